// Package payout talks to the external money-withdrawal gateway. The
// gateway is a black box with its own retry semantics; this client
// only reports success or failure for a single withdrawal attempt.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPGateway performs withdrawals against an HTTP payout endpoint.
type HTTPGateway struct {
	client  *http.Client
	baseURL string
}

// NewHTTPGateway wires an HTTPGateway.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type withdrawRequest struct {
	ReceiverID     string `json:"receiver_id"`
	AmountOfMoney  int64  `json:"amount_of_money"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Withdraw sends one payout request. The idempotency key lets the
// gateway collapse a re-sent request from a resumed settlement run.
func (gateway *HTTPGateway) Withdraw(ctx context.Context, workerID string, amount int64, idempotencyKey string) error {
	body, err := json.Marshal(withdrawRequest{
		ReceiverID:     workerID,
		AmountOfMoney:  amount,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, gateway.baseURL+"/withdraw", bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	response, err := gateway.client.Do(request)
	if err != nil {
		return fmt.Errorf("payout request: %w", err)
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return fmt.Errorf("payout gateway returned %d", response.StatusCode)
	}
	return nil
}

// NoopGateway accepts every withdrawal. It stands in for the real
// gateway in development environments.
type NoopGateway struct{}

// Withdraw always succeeds.
func (NoopGateway) Withdraw(ctx context.Context, workerID string, amount int64, idempotencyKey string) error {
	return nil
}
