// Package middleware provides the HTTP guards in front of the billing API:
// a shared-key check for orchestration routes and a Redis-backed rate limit
// for the public webhook endpoint.
package middleware
