package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/opentelemetry-go-extra/otelsql"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"booking/gateway"
	"booking/service"
	"booking/tracing"
)

type options struct {
	HTTPAddr       string `long:"http-addr" env:"HTTP_ADDR" default:":8080" description:"HTTP listen address"`
	PostgresURL    string `long:"postgres-url" env:"POSTGRES_URL" required:"true" description:"Postgres connection URL"`
	RedisAddr      string `long:"redis-addr" env:"REDIS_ADDR" default:"localhost:6379" description:"Redis address"`
	ReservationURL string `long:"reservation-url" env:"RESERVATION_SERVICE_URL" description:"reservation service base URL"`
	PaymentURL     string `long:"payment-url" env:"PAYMENT_SERVICE_URL" description:"payment service base URL"`
	JaegerEndpoint string `long:"jaeger-endpoint" env:"JAEGER_ENDPOINT" description:"Jaeger collector endpoint"`
	GatewayAddr    string `long:"gateway-addr" env:"GATEWAY_ADDR" description:"environment gateway address"`
	MockGateways   bool   `long:"mock-gateways" env:"MOCK_GATEWAYS" description:"use in-memory reservation and payment services"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	traceProvider := tracing.ConfigureTraceProvider(opts.JaegerEndpoint, opts.GatewayAddr)

	sqlDB, err := otelsql.Open("postgres", opts.PostgresURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		panic(fmt.Errorf("failed to connect to postgres: %w", err))
	}
	db := sqlx.NewDb(sqlDB, "postgres")
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: opts.RedisAddr,
	})
	defer rdb.Close()

	var reservationService gateway.ReservationService
	var paymentService gateway.PaymentService
	if opts.MockGateways {
		reservationService = &gateway.ReservationMock{}
		paymentService = &gateway.PaymentMock{}
	} else {
		reservationService = gateway.NewReservationClient(opts.ReservationURL)
		paymentService = gateway.NewPaymentClient(opts.PaymentURL)
	}

	err = service.New(
		opts.HTTPAddr,
		db,
		rdb,
		reservationService,
		paymentService,
		traceProvider,
	).Run(ctx)
	if err != nil {
		panic(err)
	}
}
