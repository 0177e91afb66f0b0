package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// ChannelAudit carries one message per committed audit entry.
const ChannelAudit = "events.canonid.audit"

// AuditEvent announces a committed audit entry to audit viewers.
type AuditEvent struct {
	EventID   string              `json:"event_id"`
	Timestamp time.Time           `json:"timestamp"`
	Entry     identity.AuditEntry `json:"entry"`
}

// NewAuditEvent wraps entry in an event envelope.
func NewAuditEvent(entry identity.AuditEntry) *AuditEvent {
	return &AuditEvent{
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Entry:     entry,
	}
}

// EventPublisher publishes events to channels.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event interface{}) error
}

// RedisEventPublisher publishes JSON events through a redis publish function
// such as (*redis.Client).Publish(...).Err.
type RedisEventPublisher struct {
	publish func(ctx context.Context, channel string, message interface{}) error
}

// NewRedisEventPublisher creates a publisher using a Redis publish function.
func NewRedisEventPublisher(publishFn func(ctx context.Context, channel string, message interface{}) error) *RedisEventPublisher {
	return &RedisEventPublisher{publish: publishFn}
}

// Publish marshals event and publishes it to channel.
func (p *RedisEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.publish(ctx, channel, data)
}

// NoOpEventPublisher discards all events.
type NoOpEventPublisher struct{}

func (NoOpEventPublisher) Publish(ctx context.Context, channel string, event interface{}) error {
	return nil
}

// EmitAudit publishes entries to ChannelAudit, stopping at the first failure.
func EmitAudit(ctx context.Context, p EventPublisher, entries ...identity.AuditEntry) error {
	if p == nil {
		return nil
	}
	for _, e := range entries {
		if err := p.Publish(ctx, ChannelAudit, NewAuditEvent(e)); err != nil {
			return fmt.Errorf("publish audit entry %d: %w", e.ID, err)
		}
	}
	return nil
}
