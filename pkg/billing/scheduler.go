package billing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lyvio/billing-service/pkg/observability"
)

// defaultSweepConcurrency bounds simultaneous gateway charges during a
// sweep. The processor throttles aggressively above this.
const defaultSweepConcurrency = 4

// RunRequest parameterizes one renewal sweep.
type RunRequest struct {
	// SubscriptionIDs charges exactly the listed subscriptions, due or
	// not. Empty means everything due.
	SubscriptionIDs []int64 `json:"subscription_ids,omitempty"`

	// DryRun reports what would be charged without touching the gateway.
	DryRun bool `json:"dry_run"`
}

// ItemResult is the outcome of one subscription's charge within a sweep.
type ItemResult struct {
	SubscriptionID int64  `json:"subscription_id"`
	TenantID       int64  `json:"tenant_id"`
	Outcome        string `json:"outcome"`
	Error          string `json:"error,omitempty"`
}

// RunResult summarizes a sweep.
type RunResult struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Simulated int           `json:"simulated"`
	Duration  time.Duration `json:"duration"`

	// Results carries the per-subscription outcomes of a real run,
	// ordered by subscription id.
	Results []ItemResult `json:"results,omitempty"`

	// Charges echoes the due list on a dry run.
	Charges []*DueCharge `json:"charges,omitempty"`
}

// ChargeRunner sweeps subscriptions whose billing period has lapsed and
// charges each stored payment source. Failures are isolated per
// subscription; one declined card never stops the batch.
type ChargeRunner struct {
	service     Service
	concurrency int
	logger      *observability.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

// NewChargeRunner creates a sweep runner. concurrency below 1 falls back to
// the default. metrics may be nil.
func NewChargeRunner(service Service, concurrency int, logger *observability.Logger, metrics *observability.Metrics) *ChargeRunner {
	if concurrency < 1 {
		concurrency = defaultSweepConcurrency
	}
	return &ChargeRunner{
		service:     service,
		concurrency: concurrency,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Run executes one sweep and reports per-item outcomes.
func (r *ChargeRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := r.now()

	var (
		due []*DueCharge
		err error
	)
	if len(req.SubscriptionIDs) > 0 {
		due, err = r.service.ChargesFor(ctx, req.SubscriptionIDs, start)
	} else {
		due, err = r.service.DueForRenewal(ctx, start)
	}
	if err != nil {
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.SweepBatchSize.Observe(float64(len(due)))
	}

	result := &RunResult{Processed: len(due)}

	if req.DryRun {
		result.Simulated = len(due)
		result.Charges = due
		result.Duration = r.now().Sub(start)
		r.logger.WithFields(map[string]interface{}{
			"due":     len(due),
			"dry_run": true,
		}).Info("Renewal sweep simulated")
		return result, nil
	}

	var mu sync.Mutex
	var succeeded, failed, pending int
	results := make([]ItemResult, 0, len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, d := range due {
		d := d
		g.Go(func() error {
			outcome, err := r.service.ChargeDue(gctx, d)
			item := ItemResult{SubscriptionID: d.SubscriptionID, TenantID: d.TenantID}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && outcome != nil && outcome.PendingNoOp:
				pending++
				item.Outcome = "pending"
			case err == nil:
				succeeded++
				item.Outcome = "succeeded"
			case errors.Is(err, ErrChargeDeclined):
				failed++
				item.Outcome = "declined"
				item.Error = err.Error()
				r.logger.WithFields(map[string]interface{}{
					"subscription_id": d.SubscriptionID,
					"tenant_id":       d.TenantID,
				}).Info("Renewal charge declined")
			default:
				failed++
				item.Outcome = "error"
				item.Error = err.Error()
				r.logger.WithError(err).WithFields(map[string]interface{}{
					"subscription_id": d.SubscriptionID,
					"tenant_id":       d.TenantID,
				}).Error("Renewal charge failed")
			}
			r.countItem(item.Outcome)
			results = append(results, item)
			return nil
		})
	}
	// Workers never return an error; Wait only observes context cancellation.
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].SubscriptionID < results[j].SubscriptionID
	})
	result.Results = results
	result.Succeeded = succeeded
	result.Failed = failed
	result.Pending = pending
	result.Duration = r.now().Sub(start)

	if r.metrics != nil {
		r.metrics.SweepDuration.Observe(result.Duration.Seconds())
	}
	r.logger.WithFields(map[string]interface{}{
		"due":       result.Processed,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"pending":   result.Pending,
	}).Info("Renewal sweep finished")

	return result, nil
}

func (r *ChargeRunner) countItem(outcome string) {
	if r.metrics != nil {
		r.metrics.SweepItemsTotal.WithLabelValues(outcome).Inc()
	}
}
