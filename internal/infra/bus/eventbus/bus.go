// Package eventbus fans trade lifecycle events out to in-process subscribers.
package eventbus

import (
	"context"

	"github.com/coachpo/tradegate/internal/domain/schema"
)

// DefaultPayloadCapBytes is the fallback cap applied to encoded event payloads.
const DefaultPayloadCapBytes = 64 * 1024

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, typ schema.EventType) (SubscriptionID, <-chan schema.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize      int `yaml:"bufferSize"`
	FanoutWorkers   int `yaml:"fanoutWorkers"`
	PayloadCapBytes int `yaml:"payloadCapBytes"`
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.PayloadCapBytes <= 0 {
		c.PayloadCapBytes = DefaultPayloadCapBytes
	}
	return c
}
