// Package ingest turns entity change events into temporal records. The
// consumer is the only writer of attribute instances driven by the change
// channel; it tolerates replays, ignores operations it does not handle, and
// drops malformed events instead of stopping.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sumandas0/contextd/internal/bus"
	"github.com/sumandas0/contextd/internal/core"
	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/observability"
	"github.com/sumandas0/contextd/pkg/utils"
)

const eventTimeout = 10 * time.Second

type Consumer struct {
	eventBus   *bus.Bus
	temporal   *core.TemporalEngine
	obsManager *observability.Manager
	logger     zerolog.Logger
	done       chan struct{}
}

func NewConsumer(eventBus *bus.Bus, temporal *core.TemporalEngine, obsManager *observability.Manager) *Consumer {
	return &Consumer{
		eventBus:   eventBus,
		temporal:   temporal,
		obsManager: obsManager,
		logger:     obsManager.GetLogging().GetZerologLogger(),
		done:       make(chan struct{}),
	}
}

// Start consumes events until the bus closes or the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-c.eventBus.Events():
				if !ok {
					return
				}
				c.handle(event)
			}
		}
	}()
}

// Wait blocks until the consumer loop has exited.
func (c *Consumer) Wait() {
	<-c.done
}

func (c *Consumer) handle(event models.EntityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	metrics := c.obsManager.GetMetrics()

	switch event.OperationType {
	case models.EventCreate:
		if err := c.handleCreate(ctx, event); err != nil {
			c.dropEvent(event, err)
			return
		}
		metrics.RecordEventConsumed(string(event.OperationType), "success")

	case models.EventUpdate:
		if err := c.handleUpdate(ctx, event); err != nil {
			c.dropEvent(event, err)
			return
		}
		metrics.RecordEventConsumed(string(event.OperationType), "success")

	case models.EventAppend, models.EventDelete:
		c.logger.Warn().
			Str("operation_type", string(event.OperationType)).
			Str("entity_id", event.EntityID).
			Msg("operation not handled by temporal ingestion")
		metrics.RecordEventConsumed(string(event.OperationType), "ignored")

	default:
		c.logger.Warn().
			Str("operation_type", string(event.OperationType)).
			Str("entity_id", event.EntityID).
			Msg("unknown operation type")
		metrics.RecordEventDropped()
	}
}

// handleCreate bootstraps the temporal identities of a freshly created
// entity. Replayed creates are fine: resolution is idempotent.
func (c *Consumer) handleCreate(ctx context.Context, event models.EntityEvent) error {
	entity, err := entityFromPayload(event.EntityID, event.Payload)
	if err != nil {
		return err
	}

	if err := c.temporal.Bootstrap(ctx, entity); err != nil {
		if utils.IsAlreadyExists(err) {
			c.logger.Debug().
				Str("entity_id", event.EntityID).
				Msg("temporal records already bootstrapped")
			return nil
		}
		return err
	}
	return nil
}

// handleUpdate appends one instance per observed attribute fragment.
// Fragments without an observation time change nothing here.
func (c *Consumer) handleUpdate(ctx context.Context, event models.EntityEvent) error {
	var frags map[string]models.Fragment
	if err := json.Unmarshal(event.Payload, &frags); err != nil {
		return fmt.Errorf("decode update payload: %w", err)
	}

	for name, frag := range frags {
		if frag.Value == nil || frag.ObservedAt == nil {
			c.logger.Warn().
				Str("entity_id", event.EntityID).
				Str("attribute_name", name).
				Msg("update fragment has no value or observedAt, skipping")
			continue
		}
		if err := c.temporal.Append(ctx, event.EntityID, name, *frag.ObservedAt, *frag.Value); err != nil {
			return fmt.Errorf("append %q: %w", name, err)
		}
	}
	return nil
}

func (c *Consumer) dropEvent(event models.EntityEvent, err error) {
	c.logger.Error().Err(err).
		Str("operation_type", string(event.OperationType)).
		Str("entity_id", event.EntityID).
		Msg("dropping event")
	c.obsManager.GetMetrics().RecordEventConsumed(string(event.OperationType), "error")
	c.obsManager.GetMetrics().RecordEventDropped()
}

// entityFromPayload rebuilds an entity from a rendered create payload.
func entityFromPayload(entityID string, payload json.RawMessage) (*models.Entity, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode create payload: %w", err)
	}

	var types []string
	if msg, ok := raw["type"]; ok {
		if err := json.Unmarshal(msg, &types); err != nil {
			var single string
			if err := json.Unmarshal(msg, &single); err != nil {
				return nil, fmt.Errorf("decode entity type: %w", err)
			}
			types = []string{single}
		}
	}

	frags := make(map[string]models.Fragment)
	for key, msg := range raw {
		if key == "id" || key == "type" {
			continue
		}
		var frag models.Fragment
		if err := json.Unmarshal(msg, &frag); err != nil {
			return nil, fmt.Errorf("decode attribute %q: %w", key, err)
		}
		frags[key] = frag
	}

	return models.EntityFromFragments(entityID, types, frags, time.Now().UTC())
}
