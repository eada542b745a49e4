package pubsub

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

func NewWatermillRouter(
	paymentEventsHandler PaymentEventsHandler,
	redisSubscriber message.Subscriber,
	watermillLogger watermill.LoggerAdapter,
) (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermillLogger)
	if err != nil {
		return nil, fmt.Errorf("could not create router: %w", err)
	}

	useMiddlewares(router, watermillLogger)

	router.AddNoPublisherHandler(
		"payment_events",
		TopicPaymentEvents,
		redisSubscriber,
		paymentEventsHandler.Handle,
	)

	return router, nil
}
