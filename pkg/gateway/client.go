package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyvio/billing-service/pkg/observability"
)

// HTTPClient implements Client against the processor's REST API. Card
// tokenization authenticates with the public key, everything else with the
// private key.
type HTTPClient struct {
	baseURL    string
	publicKey  string
	privateKey string
	signer     *Signer
	httpClient *http.Client
	logger     *observability.Logger
}

// NewHTTPClient creates a gateway client. The signer provides the integrity
// signature attached to every transaction request.
func NewHTTPClient(baseURL, publicKey, privateKey string, signer *Signer, logger *observability.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		publicKey:  publicKey,
		privateKey: privateKey,
		signer:     signer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *apiError       `json:"error"`
}

type apiError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func (c *HTTPClient) do(ctx context.Context, method, path, authKey string, body, dest interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+authKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("failed to decode gateway response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode >= 400 {
		if envelope.Error != nil {
			return fmt.Errorf("gateway error (status %d): %s: %s", resp.StatusCode, envelope.Error.Type, envelope.Error.Reason)
		}
		return fmt.Errorf("gateway error (status %d)", resp.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return fmt.Errorf("failed to decode gateway data: %w", err)
		}
	}

	return nil
}

// AcceptanceTokens fetches the merchant's presigned terms tokens.
func (c *HTTPClient) AcceptanceTokens(ctx context.Context) (*AcceptanceTokens, error) {
	var data struct {
		PresignedAcceptance struct {
			AcceptanceToken string `json:"acceptance_token"`
			Permalink       string `json:"permalink"`
		} `json:"presigned_acceptance"`
		PresignedPersonalData struct {
			AcceptanceToken string `json:"acceptance_token"`
			Permalink       string `json:"permalink"`
		} `json:"presigned_personal_data_auth"`
	}

	if err := c.do(ctx, http.MethodGet, "/merchants/"+c.publicKey, c.publicKey, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch acceptance tokens: %w", err)
	}

	return &AcceptanceTokens{
		AcceptanceToken:       data.PresignedAcceptance.AcceptanceToken,
		AcceptancePermalink:   data.PresignedAcceptance.Permalink,
		PersonalDataToken:     data.PresignedPersonalData.AcceptanceToken,
		PersonalDataPermalink: data.PresignedPersonalData.Permalink,
	}, nil
}

// TokenizeCard exchanges raw card data for a single-use token.
func (c *HTTPClient) TokenizeCard(ctx context.Context, card Card) (string, error) {
	var data struct {
		ID string `json:"id"`
	}

	if err := c.do(ctx, http.MethodPost, "/tokens/cards", c.publicKey, card, &data); err != nil {
		return "", fmt.Errorf("failed to tokenize card ending %s: %w", card.LastFour(), err)
	}

	return data.ID, nil
}

// CreatePaymentSource binds a card token to a customer email as a reusable
// payment method.
func (c *HTTPClient) CreatePaymentSource(ctx context.Context, cardToken, customerEmail, acceptanceToken string) (*PaymentSource, error) {
	body := map[string]string{
		"type":             "CARD",
		"token":            cardToken,
		"customer_email":   customerEmail,
		"acceptance_token": acceptanceToken,
	}

	var data struct {
		ID         int64 `json:"id"`
		PublicData struct {
			Brand    string `json:"brand"`
			LastFour string `json:"last_four"`
			ExpMonth string `json:"exp_month"`
			ExpYear  string `json:"exp_year"`
		} `json:"public_data"`
	}

	if err := c.do(ctx, http.MethodPost, "/payment_sources", c.privateKey, body, &data); err != nil {
		return nil, fmt.Errorf("failed to create payment source: %w", err)
	}

	return &PaymentSource{
		ID:       data.ID,
		Brand:    data.PublicData.Brand,
		LastFour: data.PublicData.LastFour,
		ExpMonth: data.PublicData.ExpMonth,
		ExpYear:  data.PublicData.ExpYear,
	}, nil
}

type transactionData struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusMessage string `json:"status_message"`
	Reference     string `json:"reference"`
	AmountInCents int64  `json:"amount_in_cents"`
	Currency      string `json:"currency"`
	CustomerEmail string `json:"customer_email"`
	PaymentSource struct {
		ID int64 `json:"id"`
	} `json:"payment_source"`
	PaymentSourceID int64 `json:"payment_source_id"`
}

func (d *transactionData) toTransaction() *Transaction {
	sourceID := d.PaymentSourceID
	if sourceID == 0 {
		sourceID = d.PaymentSource.ID
	}
	return &Transaction{
		ID:              d.ID,
		Status:          TransactionStatus(d.Status),
		StatusMessage:   d.StatusMessage,
		Reference:       d.Reference,
		AmountInCents:   d.AmountInCents,
		Currency:        d.Currency,
		CustomerEmail:   d.CustomerEmail,
		PaymentSourceID: sourceID,
	}
}

// CreateTransaction submits a charge against a stored payment source.
func (c *HTTPClient) CreateTransaction(ctx context.Context, req ChargeRequest) (*Transaction, error) {
	installments := req.Installments
	if installments == 0 {
		installments = 1
	}

	body := map[string]interface{}{
		"amount_in_cents": req.AmountInCents,
		"currency":        req.Currency,
		"customer_email":  req.CustomerEmail,
		"reference":       req.Reference,
		"signature":       c.signer.IntegritySignature(req.Reference, req.AmountInCents, req.Currency),
		"payment_method": map[string]interface{}{
			"installments": installments,
		},
		"payment_source_id": req.PaymentSourceID,
	}

	var data transactionData
	if err := c.do(ctx, http.MethodPost, "/transactions", c.privateKey, body, &data); err != nil {
		return nil, fmt.Errorf("failed to create transaction for reference %s: %w", req.Reference, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"transaction_id": data.ID,
		"reference":      req.Reference,
		"status":         data.Status,
	}).Info("Transaction created")

	return data.toTransaction(), nil
}

// GetTransaction fetches the current status of a transaction.
func (c *HTTPClient) GetTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	var data transactionData
	if err := c.do(ctx, http.MethodGet, "/transactions/"+transactionID, c.privateKey, nil, &data); err != nil {
		return nil, fmt.Errorf("failed to fetch transaction %s: %w", transactionID, err)
	}
	return data.toTransaction(), nil
}
