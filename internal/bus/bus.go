// Package bus carries entity change events from the engine to the ingestion
// consumer over a buffered in-process channel.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sumandas0/contextd/internal/models"
)

const defaultBufferSize = 1024

// Bus is a single-producer-group, single-consumer event channel. Publish never
// blocks the caller: when the buffer is full the event is dropped and logged.
type Bus struct {
	events chan models.EntityEvent

	mu     sync.Mutex
	closed bool
}

func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{events: make(chan models.EntityEvent, bufferSize)}
}

// Publish enqueues an event for the consumer. Events published after Close
// are dropped.
func (b *Bus) Publish(event models.EntityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	select {
	case b.events <- event:
	default:
		log.Warn().
			Str("operation_type", string(event.OperationType)).
			Str("entity_id", event.EntityID).
			Msg("event bus full, dropping event")
	}
}

// Events returns the consumer side of the channel. It is closed by Close.
func (b *Bus) Events() <-chan models.EntityEvent {
	return b.events
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.events)
}
