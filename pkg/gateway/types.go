package gateway

import "context"

// TransactionStatus is the processor-side status of a transaction.
type TransactionStatus string

const (
	StatusApproved TransactionStatus = "APPROVED"
	StatusDeclined TransactionStatus = "DECLINED"
	StatusPending  TransactionStatus = "PENDING"
	StatusError    TransactionStatus = "ERROR"
	StatusVoided   TransactionStatus = "VOIDED"
)

// IsTerminal reports whether the processor will not change this status again.
func (s TransactionStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusDeclined || s == StatusError || s == StatusVoided
}

// Card carries raw card data for tokenization. Never persisted and never
// logged beyond the last four digits.
type Card struct {
	Number   string `json:"number"`
	CVC      string `json:"cvc"`
	ExpMonth string `json:"exp_month"`
	ExpYear  string `json:"exp_year"`
	Holder   string `json:"card_holder"`
}

// LastFour returns the display suffix of the card number.
func (c Card) LastFour() string {
	if len(c.Number) < 4 {
		return c.Number
	}
	return c.Number[len(c.Number)-4:]
}

// AcceptanceTokens are the merchant's presigned terms tokens required when
// creating a payment source.
type AcceptanceTokens struct {
	AcceptanceToken       string `json:"acceptance_token"`
	AcceptancePermalink   string `json:"acceptance_permalink"`
	PersonalDataToken     string `json:"personal_data_token"`
	PersonalDataPermalink string `json:"personal_data_permalink"`
}

// PaymentSource is a stored, reusable payment method on the processor side.
type PaymentSource struct {
	ID       int64  `json:"id"`
	Brand    string `json:"brand"`
	LastFour string `json:"last_four"`
	ExpMonth string `json:"exp_month"`
	ExpYear  string `json:"exp_year"`
}

// ChargeRequest describes a payment-source charge.
type ChargeRequest struct {
	AmountInCents   int64
	Currency        string
	CustomerEmail   string
	Reference       string
	PaymentSourceID int64
	Installments    int
}

// Transaction is the processor's view of a charge.
type Transaction struct {
	ID              string            `json:"id"`
	Status          TransactionStatus `json:"status"`
	StatusMessage   string            `json:"status_message"`
	Reference       string            `json:"reference"`
	AmountInCents   int64             `json:"amount_in_cents"`
	Currency        string            `json:"currency"`
	CustomerEmail   string            `json:"customer_email"`
	PaymentSourceID int64             `json:"payment_source_id"`
}

// Client is the outbound surface of the payment processor.
type Client interface {
	AcceptanceTokens(ctx context.Context) (*AcceptanceTokens, error)
	TokenizeCard(ctx context.Context, card Card) (string, error)
	CreatePaymentSource(ctx context.Context, cardToken, customerEmail, acceptanceToken string) (*PaymentSource, error)
	CreateTransaction(ctx context.Context, req ChargeRequest) (*Transaction, error)
	GetTransaction(ctx context.Context, transactionID string) (*Transaction, error)
}
