// Package api assembles the HTTP surface of the billing service: tenant
// and subscription management, the payment-processor webhook, and the
// API-key-guarded orchestration endpoints used by the sweeper and external
// automation.
package api
