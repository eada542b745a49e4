package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	echoHTTP "github.com/ThreeDotsLabs/go-event-driven/common/http"
	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"booking/entity"
)

type BookingService interface {
	CreateBooking(ctx context.Context, cmd entity.CreateBookingCommand) (entity.Booking, error)
	CancelBooking(ctx context.Context, bookingID, reason string) (entity.Booking, error)
}

type BookingsRepository interface {
	GetByID(ctx context.Context, bookingID string) (entity.Booking, error)
}

type TransitionsRepository interface {
	ListByBookingID(ctx context.Context, bookingID string) ([]entity.StateTransition, error)
}

type HealthChecker interface {
	Healthy(ctx context.Context) error
}

type Server struct {
	addr            string
	e               *echo.Echo
	bookingService  BookingService
	bookingsRepo    BookingsRepository
	transitionsRepo TransitionsRepository
	outboxHealth    HealthChecker
}

func NewServer(
	addr string,
	bookingService BookingService,
	bookingsRepo BookingsRepository,
	transitionsRepo TransitionsRepository,
	outboxHealth HealthChecker,
) *Server {
	e := echoHTTP.NewEcho()
	e.Use(otelecho.Middleware("booking"))

	server := &Server{
		addr:            addr,
		e:               e,
		bookingService:  bookingService,
		bookingsRepo:    bookingsRepo,
		transitionsRepo: transitionsRepo,
		outboxHealth:    outboxHealth,
	}

	e.GET("/health", server.GetHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/bookings", server.PostBookings)
	e.GET("/bookings/:booking_id", server.GetBooking)
	e.GET("/bookings/:booking_id/transitions", server.GetBookingTransitions)
	e.POST("/bookings/:booking_id/cancel", server.PostCancelBooking)

	return server
}

func (s Server) GetHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.outboxHealth.Healthy(ctx); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"outbox": err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		err := s.e.Shutdown(ctx)
		if err != nil {
			log.FromContext(ctx).WithError(err).Error("failed to shutdown HTTP server")
		}
	}()
	log.FromContext(ctx).WithField("addr", s.addr).Info("[HTTP] server listening")
	if err := s.e.Start(s.addr); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
