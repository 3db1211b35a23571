package broker

import (
	"context"
	"fmt"

	"github.com/zoff-tech/go-txoutbox/pkg/config"
)

// BrokerCreator builds a MessageBroker from settings.
type BrokerCreator func(ctx context.Context, settings *config.BrokerSettings) (MessageBroker, error)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg)
	case "kafka":
		return NewKafkaBroker(ctx, cfg)
	case "redis":
		return NewRedisBroker(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBroker, cfg.Type)
	}
}
