package service

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/go-event-driven/common/log"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	dbLib "booking/db"
	"booking/db/bookings"
	dlqRepo "booking/db/dlq"
	outboxRepo "booking/db/outbox"
	"booking/db/transitions"
	"booking/dlq"
	"booking/entity"
	"booking/gateway"
	"booking/http"
	"booking/lock"
	"booking/outbox"
	"booking/pubsub"
	"booking/saga"
	"booking/statemachine"
)

const (
	expirySweepInterval = time.Minute
	expirySweepBatch    = 100
)

func init() {
	log.Init(logrus.InfoLevel)
}

type Service struct {
	db              *sqlx.DB
	watermillRouter *message.Router
	httpServer      *http.Server
	outboxProcessor *outbox.Processor
	retryService    *dlq.RetryService
	orchestrator    *saga.Orchestrator
	traceProvider   *tracesdk.TracerProvider
}

func New(
	addr string,
	db *sqlx.DB,
	redisClient *redis.Client,
	reservationService gateway.ReservationService,
	paymentService gateway.PaymentService,
	traceProvider *tracesdk.TracerProvider,
) Service {
	watermillLogger := log.NewWatermill(log.FromContext(context.Background()))

	bookingsRepo := bookings.NewPostgresRepository(db)
	transitionsRepo := transitions.NewPostgresRepository(db)
	outboxStore := outboxRepo.NewPostgresRepository(db)
	compensationsStore := dlqRepo.NewPostgresRepository(db)

	sm := statemachine.New(transitionRecorder{repo: transitionsRepo})

	orchestrator := saga.NewOrchestrator(
		bookingsRepo,
		sm,
		redisLocker{locks: lock.NewRedisLock(redisClient)},
		reservationService,
		paymentService,
		compensationsStore,
	)

	var redisPublisher message.Publisher
	redisPublisher = pubsub.NewRedisPublisher(redisClient, watermillLogger)
	redisPublisher = log.CorrelationPublisherDecorator{Publisher: redisPublisher}

	outboxProcessor := outbox.NewProcessor(outboxStore, redisPublisher)

	retryService := dlq.NewRetryService(
		compensationsStore,
		dlq.NewGatewayCompensator(reservationService, paymentService),
	)

	redisSubscriber := pubsub.NewRedisSubscriber(redisClient, "svc-booking.payment-events", watermillLogger)

	watermillRouter, err := pubsub.NewWatermillRouter(
		pubsub.NewPaymentEventsHandler(orchestrator),
		redisSubscriber,
		watermillLogger,
	)
	if err != nil {
		panic(fmt.Errorf("failed to create watermill router: %w", err))
	}

	httpServer := http.NewServer(
		addr,
		orchestrator,
		bookingsRepo,
		transitionsRepo,
		outboxProcessor,
	)

	return Service{
		db,
		watermillRouter,
		httpServer,
		outboxProcessor,
		retryService,
		orchestrator,
		traceProvider,
	}
}

func (s Service) Run(ctx context.Context) error {
	if err := dbLib.InitializeDatabaseSchema(s.db); err != nil {
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.watermillRouter.Run(ctx)
	})

	g.Go(func() error {
		return s.outboxProcessor.Run(ctx)
	})

	g.Go(func() error {
		return s.retryService.Run(ctx)
	})

	g.Go(func() error {
		return s.runExpirySweep(ctx)
	})

	if s.traceProvider != nil {
		g.Go(func() error {
			<-ctx.Done()
			return s.traceProvider.Shutdown(context.Background())
		})
	}

	g.Go(func() error {
		// we don't want to start HTTP server before Watermill router (so service won't be healthy before it's ready)
		<-s.watermillRouter.Running()

		err := s.httpServer.Run(ctx)
		if err != nil {
			return err
		}

		return nil
	})

	return g.Wait()
}

func (s Service) runExpirySweep(ctx context.Context) error {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			expired, err := s.orchestrator.ExpireStale(ctx, time.Now().UTC(), expirySweepBatch)
			if err != nil {
				log.FromContext(ctx).WithError(err).Error("expiry sweep failed")
				continue
			}
			if expired > 0 {
				log.FromContext(ctx).WithField("expired", expired).Info("expired stale bookings")
			}
		}
	}
}

// redisLocker adapts the Redis lease lock to the orchestrator's Locker interface.
type redisLocker struct {
	locks *lock.RedisLock
}

func (l redisLocker) Acquire(ctx context.Context, key string) (saga.Lease, error) {
	return l.locks.Acquire(ctx, key)
}

// transitionRecorder persists every state change as an audit trail entry.
// Audit writes are best effort, a failed insert never blocks the transition.
type transitionRecorder struct {
	repo *transitions.PostgresRepository
}

func (r transitionRecorder) OnTransition(ctx context.Context, transition entity.StateTransition) {
	if err := r.repo.Save(ctx, transition); err != nil {
		log.FromContext(ctx).
			WithError(err).
			WithField("booking_id", transition.BookingID).
			Error("failed to record state transition")
	}
}
