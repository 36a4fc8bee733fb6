// Package gateway is a thin, stateless client for the external card-payment
// processor: card tokenization, payment sources, transaction execution, and
// the signature schemes used on both directions of the integration. It holds
// no business state; subscription semantics live in pkg/billing.
package gateway
