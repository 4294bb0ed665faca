// Package payment talks to the hosted-invoice payment provider.
//
// Only the invoice contract is consumed: create an invoice keyed by our
// registration id, query its status, expire it, and accept the provider's
// status callbacks.
package payment

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrProvider is returned when the provider rejects or fails a request.
var ErrProvider = errors.New("payment provider error")

// ErrInvalidCallbackToken is returned when a webhook does not carry the
// configured verification token.
var ErrInvalidCallbackToken = errors.New("invalid callback token")

// CallbackTokenHeader carries the shared webhook verification token.
const CallbackTokenHeader = "X-Callback-Token"

// Status is the provider's invoice state normalised to what checkout needs.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// NormalizeStatus maps raw provider statuses onto Status.
func NormalizeStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PAID", "SETTLED":
		return StatusPaid
	case "EXPIRED", "FAILED":
		return StatusFailed
	default:
		return StatusPending
	}
}

// LineItem is one line on the invoice.
type LineItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
	Price    int64  `json:"price"`
}

// Customer identifies the payer to the provider.
type Customer struct {
	GivenNames   string `json:"given_names"`
	Email        string `json:"email"`
	MobileNumber string `json:"mobile_number,omitempty"`
}

// InvoiceRequest is the input to CreateInvoice. ExternalRef is our
// registration id and doubles as the provider idempotency key.
type InvoiceRequest struct {
	ExternalRef string
	Amount      int64
	Currency    string
	Description string
	LineItems   []LineItem
	Customer    Customer
	SuccessURL  string
	FailureURL  string
}

// Invoice is the provider's view of an invoice.
type Invoice struct {
	ID     string
	URL    string
	Status Status
}

// Notification is the body of a provider status callback.
type Notification struct {
	InvoiceID  string `json:"id"`
	ExternalID string `json:"external_id"`
	Status     string `json:"status"`
	Amount     int64  `json:"amount"`
	PaidAt     string `json:"paid_at,omitempty"`
}

// Config holds the client settings.
type Config struct {
	BaseURL         string
	SecretKey       string
	CallbackToken   string
	Timeout         time.Duration
	InvoiceDuration time.Duration
}

// Client is an HTTP client for the provider's invoice API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient constructs a Client. The timeout bounds every provider call.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type createInvoiceBody struct {
	ExternalID         string     `json:"external_id"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	Description        string     `json:"description"`
	Items              []LineItem `json:"items,omitempty"`
	Customer           Customer   `json:"customer"`
	SuccessRedirectURL string     `json:"success_redirect_url,omitempty"`
	FailureRedirectURL string     `json:"failure_redirect_url,omitempty"`
	InvoiceDuration    int64      `json:"invoice_duration,omitempty"`
}

type invoiceBody struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	InvoiceURL string `json:"invoice_url"`
	Status     string `json:"status"`
}

// CreateInvoice asks the provider for a hosted invoice.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	body := createInvoiceBody{
		ExternalID:         req.ExternalRef,
		Amount:             req.Amount,
		Currency:           req.Currency,
		Description:        req.Description,
		Items:              req.LineItems,
		Customer:           req.Customer,
		SuccessRedirectURL: req.SuccessURL,
		FailureRedirectURL: req.FailureURL,
		InvoiceDuration:    int64(c.cfg.InvoiceDuration / time.Second),
	}

	var out invoiceBody
	headers := map[string]string{"Idempotency-key": req.ExternalRef}
	if err := c.do(ctx, http.MethodPost, "/v2/invoices", headers, body, &out); err != nil {
		return nil, fmt.Errorf("create invoice for %s: %w", req.ExternalRef, err)
	}
	if out.ID == "" || out.InvoiceURL == "" {
		return nil, fmt.Errorf("create invoice for %s: %w: empty invoice in response", req.ExternalRef, ErrProvider)
	}
	return &Invoice{ID: out.ID, URL: out.InvoiceURL, Status: NormalizeStatus(out.Status)}, nil
}

// GetInvoiceStatus queries the current status of an invoice.
func (c *Client) GetInvoiceStatus(ctx context.Context, invoiceID string) (Status, error) {
	var out invoiceBody
	if err := c.do(ctx, http.MethodGet, "/v2/invoices/"+url.PathEscape(invoiceID), nil, nil, &out); err != nil {
		return "", fmt.Errorf("get invoice %s: %w", invoiceID, err)
	}
	return NormalizeStatus(out.Status), nil
}

// ExpireInvoice closes an unpaid invoice so it can no longer be paid.
func (c *Client) ExpireInvoice(ctx context.Context, invoiceID string) error {
	if err := c.do(ctx, http.MethodPost, "/invoices/"+url.PathEscape(invoiceID)+"/expire!", nil, nil, nil); err != nil {
		return fmt.Errorf("expire invoice %s: %w", invoiceID, err)
	}
	return nil
}

// VerifyCallbackToken checks the webhook token in constant time.
func (c *Client) VerifyCallbackToken(token string) error {
	if c.cfg.CallbackToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.CallbackToken)) != 1 {
		return ErrInvalidCallbackToken
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.SecretKey, "")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%w: %s: %s", ErrProvider, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
