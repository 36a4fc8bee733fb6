// Package webhooks ingests payment-processor event notifications.
//
// Every delivery is recorded in an append-only ledger keyed by the sender's
// event id. The ledger is the idempotency boundary for at-least-once
// delivery: a replayed event id is acknowledged without re-entering the
// reconciliation engine, so duplicate webhooks can never double-bill or
// double-extend a billing period.
package webhooks
