package tenants

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a tenant or trial does not exist.
var ErrNotFound = errors.New("not found")

// PostgresService implements Service using PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates a new PostgresService
func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

const tenantColumns = `id, name, email, platform_account_id, platform_access_token, is_active, created_at, updated_at`

func scanTenant(row *sql.Row) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.Name, &t.Email, &t.PlatformAccountID,
		&t.PlatformAccessToken, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return t, nil
}

// CreateTenant creates a tenant.
func (s *PostgresService) CreateTenant(ctx context.Context, req *CreateTenantRequest) (*Tenant, error) {
	if req.Email == "" {
		return nil, fmt.Errorf("email is required")
	}

	query := `
		INSERT INTO tenants (name, email, platform_account_id, platform_access_token)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + tenantColumns
	return scanTenant(s.db.QueryRowContext(ctx, query,
		req.Name, req.Email, req.PlatformAccountID, req.PlatformAccessToken))
}

// GetTenant retrieves a tenant by id.
func (s *PostgresService) GetTenant(ctx context.Context, id int64) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	return scanTenant(s.db.QueryRowContext(ctx, query, id))
}

// GetTenantByPlatformAccountID looks a tenant up by its external
// chat-platform account identifier. Used by orchestration tooling.
func (s *PostgresService) GetTenantByPlatformAccountID(ctx context.Context, accountID string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE platform_account_id = $1`
	return scanTenant(s.db.QueryRowContext(ctx, query, accountID))
}

// UpdateTenant updates the mutable tenant fields.
func (s *PostgresService) UpdateTenant(ctx context.Context, id int64, req *UpdateTenantRequest) (*Tenant, error) {
	query := `
		UPDATE tenants
		SET name = COALESCE($2, name),
		    platform_account_id = COALESCE($3, platform_account_id),
		    platform_access_token = COALESCE($4, platform_access_token),
		    is_active = COALESCE($5, is_active),
		    updated_at = NOW()
		WHERE id = $1
		RETURNING ` + tenantColumns
	return scanTenant(s.db.QueryRowContext(ctx, query,
		id, req.Name, req.PlatformAccountID, req.PlatformAccessToken, req.IsActive))
}

const trialColumns = `id, tenant_id, plan_id, status, start_date, end_date,
		max_messages, current_messages, max_conversations, current_conversations,
		max_documents, current_documents, created_at, updated_at`

func scanTrial(row *sql.Row) (*Trial, error) {
	t := &Trial{}
	err := row.Scan(&t.ID, &t.TenantID, &t.PlanID, &t.Status, &t.StartDate, &t.EndDate,
		&t.MaxMessages, &t.CurrentMessages, &t.MaxConversations, &t.CurrentConversations,
		&t.MaxDocuments, &t.CurrentDocuments, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan trial: %w", err)
	}
	return t, nil
}

// StartTrial creates the trial for a tenant. A tenant has at most one trial.
func (s *PostgresService) StartTrial(ctx context.Context, tenantID int64, req *StartTrialRequest) (*Trial, error) {
	days := req.Days
	if days <= 0 {
		days = DefaultTrialDays
	}
	maxMessages := req.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 100
	}
	maxConversations := req.MaxConversations
	if maxConversations <= 0 {
		maxConversations = 50
	}
	maxDocuments := req.MaxDocuments
	if maxDocuments <= 0 {
		maxDocuments = 5
	}

	query := `
		INSERT INTO trials (tenant_id, plan_id, status, start_date, end_date,
			max_messages, max_conversations, max_documents)
		VALUES ($1, $2, $3, NOW(), NOW() + ($4 || ' days')::interval, $5, $6, $7)
		RETURNING ` + trialColumns
	return scanTrial(s.db.QueryRowContext(ctx, query,
		tenantID, req.PlanID, TrialStatusActive, days,
		maxMessages, maxConversations, maxDocuments))
}

// GetTrial retrieves the trial for a tenant.
func (s *PostgresService) GetTrial(ctx context.Context, tenantID int64) (*Trial, error) {
	query := `SELECT ` + trialColumns + ` FROM trials WHERE tenant_id = $1`
	return scanTrial(s.db.QueryRowContext(ctx, query, tenantID))
}

// RecordUsage increments the trial's usage counters and returns the updated
// trial so callers can check remaining allowance.
func (s *PostgresService) RecordUsage(ctx context.Context, tenantID int64, delta UsageDelta) (*Trial, error) {
	query := `
		UPDATE trials
		SET current_messages = current_messages + $2,
		    current_conversations = current_conversations + $3,
		    current_documents = current_documents + $4,
		    updated_at = NOW()
		WHERE tenant_id = $1
		RETURNING ` + trialColumns
	return scanTrial(s.db.QueryRowContext(ctx, query,
		tenantID, delta.Messages, delta.Conversations, delta.Documents))
}

// ConvertTrial marks the trial converted after a subscription is created.
// Missing trial is not an error; a tenant can subscribe without ever
// having trialed.
func (s *PostgresService) ConvertTrial(ctx context.Context, tenantID int64) error {
	query := `
		UPDATE trials SET status = $2, updated_at = NOW()
		WHERE tenant_id = $1 AND status = $3`
	if _, err := s.db.ExecContext(ctx, query, tenantID, TrialStatusConverted, TrialStatusActive); err != nil {
		return fmt.Errorf("failed to convert trial: %w", err)
	}
	return nil
}

// ExpireDueTrials flips active trials whose window has passed to expired.
// Returns the number of trials expired. Driven by the sweeper.
func (s *PostgresService) ExpireDueTrials(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE trials SET status = $1, updated_at = NOW()
		WHERE status = $2 AND end_date < $3`
	result, err := s.db.ExecContext(ctx, query, TrialStatusExpired, TrialStatusActive, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire trials: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired trials: %w", err)
	}
	return affected, nil
}
