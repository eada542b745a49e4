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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// PaymentService talks to the payment provider.
type PaymentService interface {
	CreatePayment(ctx context.Context, request CreatePaymentRequest) (Payment, error)
	CapturePayment(ctx context.Context, paymentReference string) error
	CancelPayment(ctx context.Context, paymentReference string) error
	RefundPayment(ctx context.Context, paymentReference string) error
}

type CreatePaymentRequest struct {
	BookingID      string `json:"booking_id"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type Payment struct {
	PaymentReference string `json:"payment_reference"`
	Status           string `json:"status"`
}

type PaymentClient struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

func NewPaymentClient(baseURL string) *PaymentClient {
	return &PaymentClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: DefaultRetryPolicy(),
	}
}

func (c *PaymentClient) CreatePayment(ctx context.Context, request CreatePaymentRequest) (Payment, error) {
	var payment Payment

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("could not marshal create payment request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("could not build create payment request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("create payment request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return errorFromStatus(resp.StatusCode, "POST /payments")
		}

		if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
			return fmt.Errorf("could not decode payment: %w", err)
		}

		return nil
	})
	if err != nil {
		return Payment{}, err
	}

	return payment, nil
}

func (c *PaymentClient) CapturePayment(ctx context.Context, paymentReference string) error {
	return c.post(ctx, "/payments/"+paymentReference+"/capture")
}

// CancelPayment voids an authorized payment. Unknown payments are treated as
// already cancelled.
func (c *PaymentClient) CancelPayment(ctx context.Context, paymentReference string) error {
	err := c.post(ctx, "/payments/"+paymentReference+"/cancel")
	if isNotFound(err) {
		return nil
	}
	return err
}

// RefundPayment refunds a captured payment. Unknown payments are treated as
// already refunded.
func (c *PaymentClient) RefundPayment(ctx context.Context, paymentReference string) error {
	err := c.post(ctx, "/payments/"+paymentReference+"/refund")
	if isNotFound(err) {
		return nil
	}
	return err
}

func (c *PaymentClient) post(ctx context.Context, path string) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("could not build payment request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("payment request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return errorFromStatus(resp.StatusCode, "POST "+path)
		}

		return nil
	})
}

func isNotFound(err error) bool {
	var gwErr *Error
	return errors.As(err, &gwErr) && gwErr.Code == CodeNotFound
}
