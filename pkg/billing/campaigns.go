package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lyvio/billing-service/pkg/tenants"
)

// DiscountType is how a campaign's value is interpreted.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Campaign is a first-charge discount. No stacking: the first applicable
// active campaign wins.
type Campaign struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	DiscountType DiscountType `json:"discount_type"`
	Value        int64        `json:"value"`
	IsActive     bool         `json:"is_active"`
	ValidFrom    time.Time    `json:"valid_from"`
	ValidUntil   time.Time    `json:"valid_until"`

	// MaxUses of zero means unlimited.
	MaxUses     int `json:"max_uses"`
	CurrentUses int `json:"current_uses"`

	OnlyExpiredTrials bool  `json:"only_expired_trials"`
	OnlyNewTenants    bool  `json:"only_new_tenants"`
	MinPlanPriceCents int64 `json:"min_plan_price_cents"`

	CreatedAt time.Time `json:"created_at"`
}

// newTenantWindow bounds how recently a tenant must have signed up to count
// as "new" for campaign conditions.
const newTenantWindow = 30 * 24 * time.Hour

// IsValid reports whether the campaign itself can currently be applied:
// active, inside its window, under its usage cap.
func (c *Campaign) IsValid(now time.Time) bool {
	if !c.IsActive {
		return false
	}
	if now.Before(c.ValidFrom) || now.After(c.ValidUntil) {
		return false
	}
	if c.MaxUses > 0 && c.CurrentUses >= c.MaxUses {
		return false
	}
	return true
}

// IsApplicable evaluates the campaign's conditions against a specific
// tenant, its trial, and the plan price being quoted.
func (c *Campaign) IsApplicable(priceCents int64, tenant *tenants.Tenant, trial *tenants.Trial, now time.Time) bool {
	if !c.IsValid(now) {
		return false
	}
	if c.MinPlanPriceCents > 0 && priceCents < c.MinPlanPriceCents {
		return false
	}
	if c.OnlyExpiredTrials {
		if trial == nil || trial.Status != tenants.TrialStatusExpired {
			return false
		}
	}
	if c.OnlyNewTenants {
		if tenant == nil || now.Sub(tenant.CreatedAt) > newTenantWindow {
			return false
		}
	}
	return true
}

// DiscountFor computes the discount in cents for the given price. Fixed
// discounts are capped at the price so the payable amount never goes
// negative; a 100 percent discount yields exactly the full price.
func (c *Campaign) DiscountFor(priceCents int64) int64 {
	switch c.DiscountType {
	case DiscountPercentage:
		return priceCents * c.Value / 100
	case DiscountFixed:
		if c.Value > priceCents {
			return priceCents
		}
		return c.Value
	default:
		return 0
	}
}

const campaignColumns = `id, name, discount_type, value, is_active, valid_from, valid_until,
		max_uses, current_uses, only_expired_trials, only_new_tenants, min_plan_price_cents, created_at`

// activeCampaigns loads campaigns in precedence order (oldest first).
func (s *PostgresService) activeCampaigns(ctx context.Context) ([]*Campaign, error) {
	query := `SELECT ` + campaignColumns + `
		FROM discount_campaigns
		WHERE is_active = TRUE
		ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c := &Campaign{}
		if err := rows.Scan(&c.ID, &c.Name, &c.DiscountType, &c.Value, &c.IsActive,
			&c.ValidFrom, &c.ValidUntil, &c.MaxUses, &c.CurrentUses,
			&c.OnlyExpiredTrials, &c.OnlyNewTenants, &c.MinPlanPriceCents, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// bestDiscount returns the first applicable campaign and its discount for
// the given quote, or (nil, 0) when none applies.
func (s *PostgresService) bestDiscount(ctx context.Context, priceCents int64, tenant *tenants.Tenant, trial *tenants.Trial, now time.Time) (*Campaign, int64, error) {
	campaigns, err := s.activeCampaigns(ctx)
	if err != nil {
		return nil, 0, err
	}
	for _, c := range campaigns {
		if c.IsApplicable(priceCents, tenant, trial, now) {
			return c, c.DiscountFor(priceCents), nil
		}
	}
	return nil, 0, nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// incrementCampaignUse bumps the usage counter after a successful charge.
func incrementCampaignUse(ctx context.Context, exec execer, campaignID int64) error {
	query := `UPDATE discount_campaigns SET current_uses = current_uses + 1 WHERE id = $1`
	if _, err := exec.ExecContext(ctx, query, campaignID); err != nil {
		return fmt.Errorf("failed to increment campaign use: %w", err)
	}
	return nil
}
