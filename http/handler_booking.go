package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/samber/lo"

	"booking/entity"
	"booking/saga"
	"booking/statemachine"
)

type postBookingRequest struct {
	UserID      string   `json:"user_id"`
	EventID     string   `json:"event_id"`
	Seats       []string `json:"seats"`
	TotalAmount int64    `json:"total_amount"`
	Currency    string   `json:"currency"`
}

type bookingResponse struct {
	BookingID        string   `json:"booking_id"`
	BookingReference string   `json:"booking_reference"`
	UserID           string   `json:"user_id"`
	EventID          string   `json:"event_id"`
	Status           string   `json:"status"`
	PaymentStatus    string   `json:"payment_status"`
	TotalAmount      int64    `json:"total_amount"`
	Currency         string   `json:"currency"`
	Seats            []string `json:"seats"`
	ExpiresAt        string   `json:"expires_at"`
}

func toBookingResponse(booking entity.Booking) bookingResponse {
	return bookingResponse{
		BookingID:        booking.ID,
		BookingReference: booking.Reference,
		UserID:           booking.UserID,
		EventID:          booking.EventID,
		Status:           string(booking.Status),
		PaymentStatus:    string(booking.PaymentStatus),
		TotalAmount:      booking.TotalAmount,
		Currency:         booking.Currency,
		Seats:            booking.Seats,
		ExpiresAt:        booking.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func (s Server) PostBookings(c echo.Context) error {
	var request postBookingRequest
	if err := c.Bind(&request); err != nil {
		return err
	}

	cmd := entity.CreateBookingCommand{
		UserID:         request.UserID,
		EventID:        request.EventID,
		Seats:          request.Seats,
		TotalAmount:    request.TotalAmount,
		Currency:       request.Currency,
		IdempotencyKey: c.Request().Header.Get("Idempotency-Key"),
	}

	booking, err := s.bookingService.CreateBooking(c.Request().Context(), cmd)
	if err != nil {
		switch {
		case errors.Is(err, saga.ErrValidation):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, entity.ErrLockNotAcquired):
			return echo.NewHTTPError(http.StatusConflict, "event is busy, try again")
		}
		// saga failures still produced a persisted, compensated booking
		if booking.ID != "" {
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{
				"booking": toBookingResponse(booking),
				"error":   err.Error(),
			})
		}
		return fmt.Errorf("could not create booking: %w", err)
	}

	return c.JSON(http.StatusCreated, toBookingResponse(booking))
}

func (s Server) GetBooking(c echo.Context) error {
	booking, err := s.bookingsRepo.GetByID(c.Request().Context(), c.Param("booking_id"))
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "booking not found")
		}
		return fmt.Errorf("could not get booking: %w", err)
	}

	return c.JSON(http.StatusOK, toBookingResponse(booking))
}

type transitionResponse struct {
	FromState   string `json:"from_state"`
	ToState     string `json:"to_state"`
	Event       string `json:"event"`
	TriggeredBy string `json:"triggered_by"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func (s Server) GetBookingTransitions(c echo.Context) error {
	bookingID := c.Param("booking_id")

	if _, err := s.bookingsRepo.GetByID(c.Request().Context(), bookingID); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "booking not found")
		}
		return fmt.Errorf("could not get booking: %w", err)
	}

	history, err := s.transitionsRepo.ListByBookingID(c.Request().Context(), bookingID)
	if err != nil {
		return fmt.Errorf("could not list transitions: %w", err)
	}

	return c.JSON(http.StatusOK, lo.Map(history, func(t entity.StateTransition, _ int) transitionResponse {
		return transitionResponse{
			FromState:   string(t.FromState),
			ToState:     string(t.ToState),
			Event:       t.Event,
			TriggeredBy: t.TriggeredBy,
			Reason:      t.Reason,
			CreatedAt:   t.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		}
	}))
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

func (s Server) PostCancelBooking(c echo.Context) error {
	var request cancelBookingRequest
	if err := c.Bind(&request); err != nil {
		return err
	}

	booking, err := s.bookingService.CancelBooking(c.Request().Context(), c.Param("booking_id"), request.Reason)
	if err != nil {
		var invalidErr statemachine.InvalidTransitionError
		switch {
		case errors.Is(err, entity.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "booking not found")
		case errors.As(err, &invalidErr):
			return echo.NewHTTPError(http.StatusConflict, invalidErr.Error())
		}
		return fmt.Errorf("could not cancel booking: %w", err)
	}

	return c.JSON(http.StatusOK, toBookingResponse(booking))
}
