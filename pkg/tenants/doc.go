// Package tenants manages the billed customer entities and their trials:
// the time-boxed, unpaid allowance that precedes a paid subscription,
// including the usage counters consumed by provisioning flows.
package tenants
