// Package billing owns the subscription lifecycle: the state machine over
// tenant subscriptions, invoices keyed by gateway transaction id, discount
// campaign evaluation, the reconciliation engine that matches gateway
// transactions back to subscriptions, and the recurring-charge runner.
//
// The reconciliation engine is the single code path for both webhook
// deliveries and synchronous charge polling, so the two can race safely:
// invoice transaction_id uniqueness and webhook event_id uniqueness are the
// locks, and the loser of the race degrades to a no-op duplicate.
package billing
