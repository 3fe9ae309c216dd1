// Package gateway talks to the payment provider over HTTP. It implements the
// payout executor used by retry chains and the balance provider used by the
// escrow sweep.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"fundflow/retry"
)

// IdempotencyHeader carries the payout idempotency key. The provider
// dedupes on it.
const IdempotencyHeader = "Idempotency-Key"

var ErrNoBalanceEndpoint = errors.New("gateway: balance endpoint not configured")

// StatusError is a non-2xx provider response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gateway: provider returned %d: %s", e.Status, e.Body)
}

// StatusCode lets fault.Classify tell rejections from outages.
func (e *StatusError) StatusCode() int { return e.Status }

type Client struct {
	http       *http.Client
	payoutURL  string
	balanceURL string
	apiKey     string
}

func NewClient(client *http.Client, payoutURL, balanceURL, apiKey string) *Client {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: client, payoutURL: payoutURL, balanceURL: balanceURL, apiKey: apiKey}
}

type payoutRequest struct {
	OrderID     string `json:"orderId"`
	ProviderID  string `json:"providerId"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type payoutResponse struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
}

// ExecutePayout asks the provider to move funds. A 2xx without a batch id is
// treated as a failure.
func (c *Client) ExecutePayout(ctx context.Context, req retry.PayoutRequest) (retry.PayoutResult, error) {
	var out payoutResponse
	err := c.do(ctx, http.MethodPost, c.payoutURL, req.IdempotencyKey, payoutRequest{
		OrderID:     req.OrderID,
		ProviderID:  req.ProviderID,
		Destination: req.Destination,
		Amount:      req.Amount,
		Currency:    req.Currency,
	}, &out)
	if err != nil {
		return retry.PayoutResult{}, err
	}
	if out.BatchID == "" {
		return retry.PayoutResult{}, fmt.Errorf("gateway: payout for %s returned no batch id", req.OrderID)
	}
	return retry.PayoutResult{BatchID: out.BatchID, Status: out.Status}, nil
}

type balanceResponse struct {
	Available int64 `json:"available"`
}

// AvailableBalance returns the platform's available funds in minor units.
func (c *Client) AvailableBalance(ctx context.Context) (int64, error) {
	if c.balanceURL == "" {
		return 0, ErrNoBalanceEndpoint
	}
	var out balanceResponse
	if err := c.do(ctx, http.MethodGet, c.balanceURL, "", nil, &out); err != nil {
		return 0, err
	}
	return out.Available, nil
}

func (c *Client) do(ctx context.Context, method, url, idempotencyKey string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gateway: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}
