// Package core implements the broker's entity and temporal semantics on top
// of the pluggable stores.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/sumandas0/contextd/internal/bus"
	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/observability"
	"github.com/sumandas0/contextd/internal/store"
	"github.com/sumandas0/contextd/pkg/utils"
)

// Engine executes entity operations against the entity store and publishes
// the resulting change events.
type Engine struct {
	entityStore   store.EntityStore
	temporalStore store.TemporalStore
	eventBus      *bus.Bus
	obsManager    *observability.Manager
	logger        zerolog.Logger
	tracer        trace.Tracer
	tracing       *observability.TracingManager
}

func NewEngine(
	entityStore store.EntityStore,
	temporalStore store.TemporalStore,
	eventBus *bus.Bus,
	obsManager *observability.Manager,
) *Engine {
	return &Engine{
		entityStore:   entityStore,
		temporalStore: temporalStore,
		eventBus:      eventBus,
		obsManager:    obsManager,
		logger:        obsManager.GetLogging().GetZerologLogger(),
		tracer:        obsManager.GetTracing().GetTracer(),
		tracing:       obsManager.GetTracing(),
	}
}

// CreateEntity builds an entity from expanded fragments, stores it, and
// publishes a CREATE event carrying the rendered payload.
func (e *Engine) CreateEntity(ctx context.Context, id string, types []string, frags map[string]models.Fragment) (*models.Entity, error) {
	ctx, span := e.tracing.StartEntityOperation(ctx, "create", id)
	defer span.End()
	start := time.Now()

	entity, err := models.EntityFromFragments(id, types, frags, time.Now().UTC())
	if err != nil {
		e.recordOperation("create", start, err)
		e.tracing.SetSpanError(span, err)
		return nil, utils.NewAppError(utils.CodeBadRequestData, "invalid entity", err)
	}

	if err := e.entityStore.CreateEntity(ctx, entity); err != nil {
		e.recordOperation("create", start, err)
		e.tracing.SetSpanError(span, err)
		return nil, err
	}

	e.publishEvent(models.EventCreate, entity.ID, entity.Payload())
	e.recordOperation("create", start, nil)

	e.logger.Info().
		Str("entity_id", entity.ID).
		Strs("types", entity.Types).
		Int("attributes", len(entity.Attributes)).
		Msg("entity created")
	return entity, nil
}

func (e *Engine) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	ctx, span := e.tracing.StartEntityOperation(ctx, "get", id)
	defer span.End()

	entity, err := e.entityStore.GetEntity(ctx, id)
	if err != nil {
		e.tracing.SetSpanError(span, err)
		return nil, err
	}
	return entity, nil
}

// QueryEntities returns the ids of entities matching the query in store
// order. A query with neither a type nor predicates is rejected.
func (e *Engine) QueryEntities(ctx context.Context, query models.EntityQuery) ([]string, error) {
	ctx, span := e.tracing.StartEntityOperation(ctx, "query", "")
	defer span.End()

	if query.Type == "" && len(query.Predicates) == 0 {
		err := utils.NewAppError(utils.CodeBadRequestData, "one of 'type' or 'q' must be provided", nil)
		e.tracing.SetSpanError(span, err)
		return nil, err
	}

	ids, err := e.entityStore.QueryEntities(ctx, query)
	if err != nil {
		e.tracing.SetSpanError(span, err)
		return nil, err
	}
	return ids, nil
}

// UpdateEntity merges attribute fragments into an existing entity and
// publishes an UPDATE event carrying the fragments.
func (e *Engine) UpdateEntity(ctx context.Context, id string, frags map[string]models.Fragment) error {
	ctx, span := e.tracing.StartEntityOperation(ctx, "update", id)
	defer span.End()
	start := time.Now()

	if len(frags) == 0 {
		err := utils.NewAppError(utils.CodeBadRequestData, "no attributes to update", nil)
		e.recordOperation("update", start, err)
		e.tracing.SetSpanError(span, err)
		return err
	}

	if err := e.entityStore.UpdateEntity(ctx, id, frags, time.Now().UTC()); err != nil {
		e.recordOperation("update", start, err)
		e.tracing.SetSpanError(span, err)
		return err
	}

	e.publishEvent(models.EventUpdate, id, fragmentsPayload(frags))
	e.recordOperation("update", start, nil)
	return nil
}

// UpdateAttribute is a partial update of one named attribute. Unlike
// UpdateEntity it never creates the attribute: an unknown name is NotFound.
func (e *Engine) UpdateAttribute(ctx context.Context, id, attributeName string, frag models.Fragment) error {
	ctx, span := e.tracing.StartEntityOperation(ctx, "update_attribute", id)
	defer span.End()
	start := time.Now()

	entity, err := e.entityStore.GetEntity(ctx, id)
	if err != nil {
		e.recordOperation("update_attribute", start, err)
		e.tracing.SetSpanError(span, err)
		return err
	}
	if _, ok := entity.Attribute(attributeName); !ok {
		err := utils.NewAppError(utils.CodeNotFound, "attribute not found", nil).
			WithDetail("entity_id", id).
			WithDetail("attribute", attributeName)
		e.recordOperation("update_attribute", start, err)
		e.tracing.SetSpanError(span, err)
		return err
	}

	frags := map[string]models.Fragment{attributeName: frag}
	if err := e.entityStore.UpdateEntity(ctx, id, frags, time.Now().UTC()); err != nil {
		e.recordOperation("update_attribute", start, err)
		e.tracing.SetSpanError(span, err)
		return err
	}

	e.publishEvent(models.EventUpdate, id, fragmentsPayload(frags))
	e.recordOperation("update_attribute", start, nil)
	return nil
}

// DeleteEntity removes the entity, cascades into its temporal records, and
// publishes a DELETE event. Deleting an absent entity is NotFound.
func (e *Engine) DeleteEntity(ctx context.Context, id string) error {
	ctx, span := e.tracing.StartEntityOperation(ctx, "delete", id)
	defer span.End()
	start := time.Now()

	removed, err := e.entityStore.DeleteEntity(ctx, id)
	if err != nil {
		e.recordOperation("delete", start, err)
		e.tracing.SetSpanError(span, err)
		return err
	}
	if removed == 0 {
		err := utils.NewAppError(utils.CodeNotFound, "entity not found", nil).
			WithDetail("id", id)
		e.recordOperation("delete", start, err)
		e.tracing.SetSpanError(span, err)
		return err
	}

	if err := e.temporalStore.DeleteForEntity(ctx, id); err != nil {
		e.logger.Warn().Err(err).
			Str("entity_id", id).
			Msg("failed to cascade delete into temporal records")
	}

	e.publishEvent(models.EventDelete, id, nil)
	e.recordOperation("delete", start, nil)

	e.logger.Info().
		Str("entity_id", id).
		Int("nodes_removed", removed).
		Msg("entity deleted")
	return nil
}

func (e *Engine) ListEntities(ctx context.Context, typeLabel string, limit, offset int) ([]*models.Entity, error) {
	ctx, span := e.tracing.StartEntityOperation(ctx, "list", "")
	defer span.End()

	entities, err := e.entityStore.ListEntities(ctx, typeLabel, limit, offset)
	if err != nil {
		e.tracing.SetSpanError(span, err)
		return nil, err
	}
	return entities, nil
}

func (e *Engine) Ping(ctx context.Context) error {
	return e.entityStore.Ping(ctx)
}

func (e *Engine) publishEvent(operation models.EventType, entityID string, payload map[string]any) {
	if e.eventBus == nil {
		return
	}

	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			e.logger.Error().Err(err).
				Str("entity_id", entityID).
				Msg("failed to encode event payload")
			return
		}
		raw = encoded
	}

	e.eventBus.Publish(models.EntityEvent{
		OperationType: operation,
		EntityID:      entityID,
		Payload:       raw,
	})
}

func (e *Engine) recordOperation(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	e.obsManager.GetMetrics().RecordEntityOperation(operation, status, time.Since(start))
}

func fragmentsPayload(frags map[string]models.Fragment) map[string]any {
	payload := make(map[string]any, len(frags))
	for name, frag := range frags {
		payload[name] = fragmentPayload(frag)
	}
	return payload
}

func fragmentPayload(frag models.Fragment) map[string]any {
	out := map[string]any{"type": string(frag.Type)}
	if frag.Type == models.AttributeRelationship {
		out["object"] = frag.Object
	} else if frag.Value != nil {
		out["value"] = frag.Value.Interface()
	}
	if frag.ObservedAt != nil {
		out["observedAt"] = frag.ObservedAt.UTC().Format(time.RFC3339)
	}
	for name, sub := range frag.Sub {
		out[name] = fragmentPayload(sub)
	}
	return out
}
