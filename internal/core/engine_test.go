package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/contextd/internal/bus"
	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/observability"
	"github.com/sumandas0/contextd/internal/resilience"
	"github.com/sumandas0/contextd/internal/store/memory"
	"github.com/sumandas0/contextd/pkg/utils"
)

func testObsManager(t *testing.T) *observability.Manager {
	t.Helper()
	obsManager, err := observability.NewManager(observability.Config{
		Logging: observability.LoggingConfig{Level: observability.LogLevelError, Output: "stderr"},
	})
	require.NoError(t, err)
	return obsManager
}

func setupEngine(t *testing.T) (*Engine, *memory.Store, *bus.Bus) {
	t.Helper()
	memStore := memory.NewStore()
	eventBus := bus.New(16)
	t.Cleanup(eventBus.Close)
	engine := NewEngine(memStore, memStore, eventBus, testObsManager(t))
	return engine, memStore, eventBus
}

func numValue(f float64) *models.Value {
	v := models.NumberValue(f)
	return &v
}

func textValue(s string) *models.Value {
	v := models.TextValue(s)
	return &v
}

func receiveEvent(t *testing.T, eventBus *bus.Bus) models.EntityEvent {
	t.Helper()
	select {
	case event := <-eventBus.Events():
		return event
	case <-time.After(time.Second):
		t.Fatal("expected an event on the bus")
		return models.EntityEvent{}
	}
}

func TestEngineCreateEntity(t *testing.T) {
	engine, _, eventBus := setupEngine(t)
	ctx := context.Background()

	entity, err := engine.CreateEntity(ctx, "urn:ngsi-ld:Beekeeper:1230", []string{"Beekeeper"}, map[string]models.Fragment{
		"name": {Type: models.AttributeProperty, Value: textValue("Scalpa")},
	})
	require.NoError(t, err)
	assert.Equal(t, "urn:ngsi-ld:Beekeeper:1230", entity.ID)

	event := receiveEvent(t, eventBus)
	assert.Equal(t, models.EventCreate, event.OperationType)
	assert.Equal(t, entity.ID, event.EntityID)
	assert.Contains(t, string(event.Payload), "Scalpa")

	t.Run("duplicate id", func(t *testing.T) {
		_, err := engine.CreateEntity(ctx, "urn:ngsi-ld:Beekeeper:1230", []string{"Beekeeper"}, nil)
		assert.True(t, utils.IsAlreadyExists(err))
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := engine.CreateEntity(ctx, "urn:x:1", nil, nil)
		assert.True(t, utils.IsBadRequestData(err))
	})
}

func TestEngineQueryEntities(t *testing.T) {
	engine, _, eventBus := setupEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntity(ctx, "urn:x:1", []string{"Sensor"}, map[string]models.Fragment{
		"reading": {Type: models.AttributeProperty, Value: numValue(10)},
	})
	require.NoError(t, err)
	receiveEvent(t, eventBus)

	t.Run("requires type or q", func(t *testing.T) {
		_, err := engine.QueryEntities(ctx, models.EntityQuery{})
		assert.True(t, utils.IsBadRequestData(err))
	})

	t.Run("by type", func(t *testing.T) {
		ids, err := engine.QueryEntities(ctx, models.EntityQuery{Type: "Sensor"})
		require.NoError(t, err)
		assert.Equal(t, []string{"urn:x:1"}, ids)
	})

	t.Run("by predicate only", func(t *testing.T) {
		ids, err := engine.QueryEntities(ctx, models.EntityQuery{
			Predicates: []models.Predicate{{Attribute: "reading", Op: models.OpGreaterEqual, Literal: "10"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"urn:x:1"}, ids)
	})
}

func TestEngineUpdateEntity(t *testing.T) {
	engine, _, eventBus := setupEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntity(ctx, "urn:x:1", []string{"Sensor"}, map[string]models.Fragment{
		"reading": {Type: models.AttributeProperty, Value: numValue(10)},
	})
	require.NoError(t, err)
	receiveEvent(t, eventBus)

	observed := time.Now().UTC()
	err = engine.UpdateEntity(ctx, "urn:x:1", map[string]models.Fragment{
		"reading": {Type: models.AttributeProperty, Value: numValue(12), ObservedAt: &observed},
	})
	require.NoError(t, err)

	event := receiveEvent(t, eventBus)
	assert.Equal(t, models.EventUpdate, event.OperationType)
	assert.Contains(t, string(event.Payload), "reading")
	assert.Contains(t, string(event.Payload), "observedAt")

	t.Run("empty fragments", func(t *testing.T) {
		err := engine.UpdateEntity(ctx, "urn:x:1", nil)
		assert.True(t, utils.IsBadRequestData(err))
	})

	t.Run("unknown entity", func(t *testing.T) {
		err := engine.UpdateEntity(ctx, "urn:x:missing", map[string]models.Fragment{
			"reading": {Type: models.AttributeProperty, Value: numValue(1)},
		})
		assert.True(t, utils.IsNotFound(err))
	})
}

func TestEngineUpdateAttribute(t *testing.T) {
	engine, _, eventBus := setupEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntity(ctx, "urn:x:1", []string{"Sensor"}, map[string]models.Fragment{
		"reading": {Type: models.AttributeProperty, Value: numValue(10)},
	})
	require.NoError(t, err)
	receiveEvent(t, eventBus)

	err = engine.UpdateAttribute(ctx, "urn:x:1", "reading", models.Fragment{
		Type: models.AttributeProperty, Value: numValue(11),
	})
	require.NoError(t, err)
	receiveEvent(t, eventBus)

	t.Run("unknown attribute is not created", func(t *testing.T) {
		err := engine.UpdateAttribute(ctx, "urn:x:1", "humidity", models.Fragment{
			Type: models.AttributeProperty, Value: numValue(50),
		})
		assert.True(t, utils.IsNotFound(err))

		entity, err := engine.GetEntity(ctx, "urn:x:1")
		require.NoError(t, err)
		_, ok := entity.Attribute("humidity")
		assert.False(t, ok)
	})
}

func TestEngineDeleteEntity(t *testing.T) {
	engine, memStore, eventBus := setupEngine(t)
	ctx := context.Background()

	_, err := engine.CreateEntity(ctx, "urn:x:1", []string{"Sensor"}, map[string]models.Fragment{
		"reading": {Type: models.AttributeProperty, Value: numValue(10)},
	})
	require.NoError(t, err)
	receiveEvent(t, eventBus)

	_, err = memStore.Resolve(ctx, "urn:x:1", "reading", models.NumberValue(10))
	require.NoError(t, err)

	require.NoError(t, engine.DeleteEntity(ctx, "urn:x:1"))

	event := receiveEvent(t, eventBus)
	assert.Equal(t, models.EventDelete, event.OperationType)

	_, err = engine.GetEntity(ctx, "urn:x:1")
	assert.True(t, utils.IsNotFound(err))

	_, err = memStore.ListForEntity(ctx, "urn:x:1", nil)
	assert.True(t, utils.IsNotFound(err))

	t.Run("deleting again is not found", func(t *testing.T) {
		err := engine.DeleteEntity(ctx, "urn:x:1")
		assert.True(t, utils.IsNotFound(err))
	})
}

func testBreakers() *resilience.CircuitBreakerManager {
	return resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig())
}
