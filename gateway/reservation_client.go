package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ReservationService holds and releases seats in the inventory service.
type ReservationService interface {
	ReserveSeats(ctx context.Context, request ReserveSeatsRequest) (Reservation, error)
	ReleaseSeats(ctx context.Context, reservationID string) error
}

type ReserveSeatsRequest struct {
	BookingID string   `json:"booking_id"`
	EventID   string   `json:"event_id"`
	Seats     []string `json:"seats"`
}

type Reservation struct {
	ReservationID string `json:"reservation_id"`
}

type ReservationClient struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
}

func NewReservationClient(baseURL string) *ReservationClient {
	return &ReservationClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: DefaultRetryPolicy(),
	}
}

func (c *ReservationClient) ReserveSeats(ctx context.Context, request ReserveSeatsRequest) (Reservation, error) {
	var reservation Reservation

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(request)
		if err != nil {
			return fmt.Errorf("could not marshal reserve seats request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/reservations", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("could not build reserve seats request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("reserve seats request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return errorFromStatus(resp.StatusCode, "POST /reservations")
		}

		if err := json.NewDecoder(resp.Body).Decode(&reservation); err != nil {
			return fmt.Errorf("could not decode reservation: %w", err)
		}

		return nil
	})
	if err != nil {
		return Reservation{}, err
	}

	return reservation, nil
}

// ReleaseSeats frees a held reservation. Releasing an unknown reservation is
// treated as success so compensation retries stay idempotent.
func (c *ReservationClient) ReleaseSeats(ctx context.Context, reservationID string) error {
	return c.retry.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/reservations/"+reservationID, nil)
		if err != nil {
			return fmt.Errorf("could not build release seats request: %w", err)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("release seats request failed: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusNotFound {
			return nil
		}
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
			return errorFromStatus(resp.StatusCode, "DELETE /reservations/"+reservationID)
		}

		return nil
	})
}
