package tenants

import (
	"context"
	"time"
)

// Tenant represents a billed customer ("Company").
type Tenant struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email"`
	PlatformAccountID   string    `json:"platform_account_id,omitempty"`
	PlatformAccessToken string    `json:"-"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TrialStatus represents the lifecycle status of a trial
type TrialStatus string

const (
	TrialStatusActive    TrialStatus = "active"
	TrialStatusExpired   TrialStatus = "expired"
	TrialStatusConverted TrialStatus = "converted"
	TrialStatusCancelled TrialStatus = "cancelled"
)

// Trial is a per-tenant, time-boxed allowance with usage counters.
type Trial struct {
	ID        int64       `json:"id"`
	TenantID  int64       `json:"tenant_id"`
	PlanID    *int64      `json:"plan_id,omitempty"`
	Status    TrialStatus `json:"status"`
	StartDate time.Time   `json:"start_date"`
	EndDate   time.Time   `json:"end_date"`

	MaxMessages          int `json:"max_messages"`
	CurrentMessages      int `json:"current_messages"`
	MaxConversations     int `json:"max_conversations"`
	CurrentConversations int `json:"current_conversations"`
	MaxDocuments         int `json:"max_documents"`
	CurrentDocuments     int `json:"current_documents"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsActive reports whether the trial is usable at the given instant:
// status active, inside the window, and no counter exhausted.
func (t *Trial) IsActive(now time.Time) bool {
	if t.Status != TrialStatusActive {
		return false
	}
	if now.Before(t.StartDate) || now.After(t.EndDate) {
		return false
	}
	if t.CurrentMessages >= t.MaxMessages {
		return false
	}
	if t.CurrentConversations >= t.MaxConversations {
		return false
	}
	if t.CurrentDocuments >= t.MaxDocuments {
		return false
	}
	return true
}

// DefaultTrialDays is used when the plan does not specify a trial length.
const DefaultTrialDays = 14

// CreateTenantRequest creates a tenant.
type CreateTenantRequest struct {
	Name                string `json:"name"`
	Email               string `json:"email"`
	PlatformAccountID   string `json:"platform_account_id,omitempty"`
	PlatformAccessToken string `json:"platform_access_token,omitempty"`
}

// UpdateTenantRequest updates mutable tenant fields. Nil means unchanged.
type UpdateTenantRequest struct {
	Name                *string `json:"name,omitempty"`
	PlatformAccountID   *string `json:"platform_account_id,omitempty"`
	PlatformAccessToken *string `json:"platform_access_token,omitempty"`
	IsActive            *bool   `json:"is_active,omitempty"`
}

// StartTrialRequest starts a trial with the given limits. Zero limits fall
// back to defaults.
type StartTrialRequest struct {
	PlanID           *int64 `json:"plan_id,omitempty"`
	Days             int    `json:"days,omitempty"`
	MaxMessages      int    `json:"max_messages,omitempty"`
	MaxConversations int    `json:"max_conversations,omitempty"`
	MaxDocuments     int    `json:"max_documents,omitempty"`
}

// UsageDelta increments trial usage counters.
type UsageDelta struct {
	Messages      int `json:"messages,omitempty"`
	Conversations int `json:"conversations,omitempty"`
	Documents     int `json:"documents,omitempty"`
}

// Service defines tenant and trial operations.
type Service interface {
	CreateTenant(ctx context.Context, req *CreateTenantRequest) (*Tenant, error)
	GetTenant(ctx context.Context, id int64) (*Tenant, error)
	GetTenantByPlatformAccountID(ctx context.Context, accountID string) (*Tenant, error)
	UpdateTenant(ctx context.Context, id int64, req *UpdateTenantRequest) (*Tenant, error)

	StartTrial(ctx context.Context, tenantID int64, req *StartTrialRequest) (*Trial, error)
	GetTrial(ctx context.Context, tenantID int64) (*Trial, error)
	RecordUsage(ctx context.Context, tenantID int64, delta UsageDelta) (*Trial, error)
	ConvertTrial(ctx context.Context, tenantID int64) error
	ExpireDueTrials(ctx context.Context, now time.Time) (int64, error)
}
