package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/leaddesk/internal/domain"
)

// New creates a new event bus based on configuration.
// Standalone deployments use ChannelBus, clusters use NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// PublishOrderEvent encodes an order event and publishes it on topic.
func PublishOrderEvent(ctx context.Context, b domain.EventBus, topic string, event *domain.OrderEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal order event: %w", err)
	}
	return b.Publish(ctx, topic, data)
}

// DecodeOrderEvent unpacks an order event from a bus message.
func DecodeOrderEvent(msg *domain.Message) (*domain.OrderEvent, error) {
	var event domain.OrderEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, fmt.Errorf("failed to decode order event: %w", err)
	}
	return &event, nil
}
