package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/tenants"
)

// PlanLimits carries the resource limits pushed to the platform when a
// tenant's plan changes.
type PlanLimits struct {
	PlanName     string `json:"plan_name"`
	BillingCycle string `json:"billing_cycle"`
	MaxInboxes   int    `json:"max_inboxes"`
	MaxDocuments int    `json:"max_documents"`
	MaxUsers     int    `json:"max_users"`
}

// Notifier is the outbound surface toward the chat platform.
type Notifier interface {
	// RestoreAccount re-enables a suspended tenant account. An error means
	// the account is still suspended downstream and the caller must not
	// activate the local subscription.
	RestoreAccount(ctx context.Context, tenant *tenants.Tenant) error

	// SyncPlan pushes new plan limits for a tenant.
	SyncPlan(ctx context.Context, tenant *tenants.Tenant, limits PlanLimits) error
}

// HTTPNotifier implements Notifier against the platform's REST API.
type HTTPNotifier struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *observability.Logger
}

// NewHTTPNotifier creates a platform notifier.
func NewHTTPNotifier(baseURL, token string, timeout time.Duration, logger *observability.Logger) *HTTPNotifier {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

func (n *HTTPNotifier) patchAccount(ctx context.Context, tenant *tenants.Tenant, payload interface{}) error {
	if tenant.PlatformAccountID == "" {
		return fmt.Errorf("tenant %d has no platform account id", tenant.ID)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode platform payload: %w", err)
	}

	url := fmt.Sprintf("%s/accounts/%s", n.baseURL, tenant.PlatformAccountID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build platform request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+n.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform returned status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// RestoreAccount re-enables the tenant's platform account.
func (n *HTTPNotifier) RestoreAccount(ctx context.Context, tenant *tenants.Tenant) error {
	if err := n.patchAccount(ctx, tenant, map[string]string{"status": "active"}); err != nil {
		return fmt.Errorf("failed to restore platform account for tenant %d: %w", tenant.ID, err)
	}

	n.logger.WithField("tenant_id", tenant.ID).Info("Platform account restored")
	return nil
}

// SyncPlan pushes the tenant's new plan limits to the platform.
func (n *HTTPNotifier) SyncPlan(ctx context.Context, tenant *tenants.Tenant, limits PlanLimits) error {
	payload := map[string]interface{}{
		"plan": limits,
	}
	if err := n.patchAccount(ctx, tenant, payload); err != nil {
		return fmt.Errorf("failed to sync plan for tenant %d: %w", tenant.ID, err)
	}

	n.logger.WithFields(map[string]interface{}{
		"tenant_id": tenant.ID,
		"plan":      limits.PlanName,
	}).Info("Platform plan synced")
	return nil
}
