package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/store/memory"
	"github.com/sumandas0/contextd/pkg/utils"
)

func setupTemporal(t *testing.T) (*TemporalEngine, *memory.Store) {
	t.Helper()
	memStore := memory.NewStore()
	temporal := NewTemporalEngine(memStore, memStore, testBreakers(), testObsManager(t))
	return temporal, memStore
}

func seedObservations(t *testing.T, temporal *TemporalEngine, entityID string, origin time.Time) {
	t.Helper()
	ctx := context.Background()
	for i, v := range []float64{120.5, 120.7, 121.1} {
		observed := origin.Add(time.Duration(i) * time.Minute)
		frag := models.Fragment{Type: models.AttributeProperty, Value: numValue(v), ObservedAt: &observed}
		require.NoError(t, temporal.AppendAttributes(ctx, entityID, map[string]models.Fragment{"fishWeight": frag}))
	}
}

func TestTemporalQuery(t *testing.T) {
	temporal, memStore := setupTemporal(t)
	ctx := context.Background()
	origin := time.Date(2019, 10, 26, 21, 32, 52, 0, time.UTC)

	entity, err := models.EntityFromFragments("urn:ngsi-ld:DeadFishes:019BN", []string{"DeadFishes"}, map[string]models.Fragment{
		"fishWeight": {Type: models.AttributeProperty, Value: numValue(120.5)},
	}, origin)
	require.NoError(t, err)
	require.NoError(t, memStore.CreateEntity(ctx, entity))

	seedObservations(t, temporal, entity.ID, origin)

	t.Run("full fragment form", func(t *testing.T) {
		result, err := temporal.Query(ctx, entity.ID, models.TemporalQuery{
			Timerel: models.TimerelAfter,
			Time:    origin.Add(-time.Hour),
		}, false)
		require.NoError(t, err)

		assert.Equal(t, entity.ID, result["id"])

		series, ok := result["fishWeight"].([]map[string]any)
		require.True(t, ok)
		require.Len(t, series, 3)
		assert.Equal(t, "Property", series[0]["type"])
		assert.Equal(t, 120.5, series[0]["value"])
		assert.Equal(t, "2019-10-26T21:32:52Z", series[0]["observedAt"])
		assert.NotEmpty(t, series[0]["instanceId"])
	})

	t.Run("temporal values form", func(t *testing.T) {
		result, err := temporal.Query(ctx, entity.ID, models.TemporalQuery{
			Timerel: models.TimerelAfter,
			Time:    origin.Add(-time.Hour),
		}, true)
		require.NoError(t, err)

		series, ok := result["fishWeight"].(map[string]any)
		require.True(t, ok)
		values, ok := series["values"].([][2]any)
		require.True(t, ok)
		require.Len(t, values, 3)
		assert.Equal(t, 120.5, values[0][0])
		assert.Equal(t, "2019-10-26T21:32:52Z", values[0][1])
	})

	t.Run("window is applied", func(t *testing.T) {
		result, err := temporal.Query(ctx, entity.ID, models.TemporalQuery{
			Timerel: models.TimerelBefore,
			Time:    origin.Add(time.Minute),
		}, false)
		require.NoError(t, err)

		series := result["fishWeight"].([]map[string]any)
		require.Len(t, series, 1)
		assert.Equal(t, 120.5, series[0]["value"])
	})

	t.Run("attrs filter restricts listing", func(t *testing.T) {
		_, err := temporal.Query(ctx, entity.ID, models.TemporalQuery{
			Timerel: models.TimerelAfter,
			Time:    origin.Add(-time.Hour),
			Attrs:   []string{"fishNumber"},
		}, false)
		assert.True(t, utils.IsNotFound(err))
	})

	t.Run("unknown entity", func(t *testing.T) {
		_, err := temporal.Query(ctx, "urn:x:missing", models.TemporalQuery{
			Timerel: models.TimerelAfter,
			Time:    origin,
		}, false)
		assert.True(t, utils.IsNotFound(err))
	})
}

func TestTemporalQueryAggregated(t *testing.T) {
	temporal, _ := setupTemporal(t)
	ctx := context.Background()
	origin := time.Date(2019, 10, 26, 21, 0, 0, 0, time.UTC)

	seedObservations(t, temporal, "urn:x:1", origin)

	bucketWidth := 2 * time.Minute
	result, err := temporal.Query(ctx, "urn:x:1", models.TemporalQuery{
		Timerel:    models.TimerelAfter,
		Time:       origin.Add(-time.Second),
		TimeBucket: &bucketWidth,
		Aggregate:  models.AggregateAvg,
	}, false)
	require.NoError(t, err)

	series, ok := result["fishWeight"].(map[string]any)
	require.True(t, ok)
	values, ok := series["values"].([][2]any)
	require.True(t, ok)
	// observations at +0m and +1m land in the first bucket, +2m in the second
	require.Len(t, values, 2)
	assert.InDelta(t, 120.6, values[0][0].(float64), 1e-9)
	assert.InDelta(t, 121.1, values[1][0].(float64), 1e-9)
}

func TestTemporalQueryOutlivesEntity(t *testing.T) {
	temporal, _ := setupTemporal(t)
	ctx := context.Background()
	origin := time.Date(2019, 10, 26, 21, 0, 0, 0, time.UTC)

	// observations exist but the entity was never stored (or was deleted)
	seedObservations(t, temporal, "urn:x:gone", origin)

	result, err := temporal.Query(ctx, "urn:x:gone", models.TemporalQuery{
		Timerel: models.TimerelAfter,
		Time:    origin.Add(-time.Hour),
	}, false)
	require.NoError(t, err)

	assert.Equal(t, "urn:x:gone", result["id"])
	_, hasType := result["type"]
	assert.False(t, hasType)
	series := result["fishWeight"].([]map[string]any)
	assert.Len(t, series, 3)
}

func TestTemporalQueryUsesCachedPayload(t *testing.T) {
	temporal, memStore := setupTemporal(t)
	ctx := context.Background()
	origin := time.Date(2019, 10, 26, 21, 0, 0, 0, time.UTC)

	entity, err := models.EntityFromFragments("urn:x:1", []string{"DeadFishes"}, map[string]models.Fragment{
		"fishWeight": {Type: models.AttributeProperty, Value: numValue(120.5), ObservedAt: &origin},
	}, origin)
	require.NoError(t, err)
	require.NoError(t, temporal.Bootstrap(ctx, entity))

	// the snapshot cached at bootstrap serves reads after the entity is gone
	_, err = memStore.DeleteEntity(ctx, "urn:x:1")
	require.NoError(t, err)

	result, err := temporal.Query(ctx, "urn:x:1", models.TemporalQuery{
		Timerel: models.TimerelAfter,
		Time:    origin.Add(-time.Hour),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, []any{"DeadFishes"}, result["type"])
}

func TestAppendAttributesValidation(t *testing.T) {
	temporal, _ := setupTemporal(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("no attributes", func(t *testing.T) {
		err := temporal.AppendAttributes(ctx, "urn:x:1", nil)
		assert.True(t, utils.IsBadRequestData(err))
	})

	t.Run("fragment without value", func(t *testing.T) {
		err := temporal.AppendAttributes(ctx, "urn:x:1", map[string]models.Fragment{
			"fishWeight": {Type: models.AttributeProperty, ObservedAt: &now},
		})
		require.True(t, utils.IsBadRequestData(err))
		assert.Equal(t, "fragment has no value", err.(*utils.AppError).Message)
	})

	t.Run("fragment without observedAt", func(t *testing.T) {
		err := temporal.AppendAttributes(ctx, "urn:x:1", map[string]models.Fragment{
			"fishWeight": {Type: models.AttributeProperty, Value: numValue(120.5)},
		})
		require.True(t, utils.IsBadRequestData(err))
		assert.Equal(t, "fragment has no observedAt", err.(*utils.AppError).Message)
	})

	t.Run("value type fixed by first observation", func(t *testing.T) {
		err := temporal.AppendAttributes(ctx, "urn:x:1", map[string]models.Fragment{
			"fishWeight": {Type: models.AttributeProperty, Value: numValue(120.5), ObservedAt: &now},
		})
		require.NoError(t, err)

		err = temporal.AppendAttributes(ctx, "urn:x:1", map[string]models.Fragment{
			"fishWeight": {Type: models.AttributeProperty, Value: textValue("heavy"), ObservedAt: &now},
		})
		assert.True(t, utils.IsInvalidValue(err))
	})
}

func TestBootstrap(t *testing.T) {
	temporal, memStore := setupTemporal(t)
	ctx := context.Background()
	observed := time.Date(2019, 10, 26, 21, 32, 52, 0, time.UTC)

	entity, err := models.EntityFromFragments("urn:ngsi-ld:Beehive:1234", []string{"Beehive"}, map[string]models.Fragment{
		"temperature": {Type: models.AttributeProperty, Value: numValue(22.2), ObservedAt: &observed},
		"name":        {Type: models.AttributeProperty, Value: textValue("ParisBeehive12")},
		"managedBy":   {Type: models.AttributeRelationship, Object: "urn:ngsi-ld:Beekeeper:1230"},
	}, observed)
	require.NoError(t, err)

	require.NoError(t, temporal.Bootstrap(ctx, entity))

	teas, err := memStore.ListForEntity(ctx, entity.ID, nil)
	require.NoError(t, err)
	// relationships are not tracked temporally
	require.Len(t, teas, 2)
	assert.Equal(t, "name", teas[0].AttributeName)
	assert.Equal(t, models.ValueTypeAny, teas[0].ValueType)
	assert.Equal(t, "temperature", teas[1].AttributeName)
	assert.Equal(t, models.ValueTypeMeasure, teas[1].ValueType)
	assert.NotEmpty(t, teas[0].EntityPayload)

	// every property gets a first instance
	window := models.TemporalQuery{Timerel: models.TimerelAfter, Time: observed.Add(-time.Hour)}
	instances, err := memStore.SearchInstances(ctx, teas[1].ID, window)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.NotNil(t, instances[0].MeasuredValue)
	assert.Equal(t, 22.2, *instances[0].MeasuredValue)
	assert.Equal(t, observed, instances[0].ObservedAt)

	// the unobserved property is recorded at the entity's creation time
	instances, err = memStore.SearchInstances(ctx, teas[0].ID, window)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, entity.CreatedAt, instances[0].ObservedAt)
	require.NotNil(t, instances[0].Value)
	text, _ := instances[0].Value.Text()
	assert.Equal(t, "ParisBeehive12", text)
}

func TestAggregateSeries(t *testing.T) {
	origin := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	bucketWidth := 2 * time.Minute

	instanceAt := func(offset time.Duration, measured *float64, value *models.Value) models.AttributeInstance {
		return models.AttributeInstance{ObservedAt: origin.Add(offset), MeasuredValue: measured, Value: value}
	}
	measured := func(f float64) *float64 { return &f }

	instances := []models.AttributeInstance{
		instanceAt(30*time.Second, measured(10), nil),
		instanceAt(90*time.Second, measured(20), nil),
		instanceAt(150*time.Second, measured(5), nil),
		instanceAt(45*time.Second, nil, textValue("calibrating")),
	}

	queryFor := func(aggregate models.Aggregate) models.TemporalQuery {
		return models.TemporalQuery{
			Timerel:    models.TimerelAfter,
			Time:       origin,
			TimeBucket: &bucketWidth,
			Aggregate:  aggregate,
		}
	}

	t.Run("avg skips non-numeric observations", func(t *testing.T) {
		values := aggregateSeries(instances, queryFor(models.AggregateAvg))
		require.Len(t, values, 2)
		assert.Equal(t, [2]any{15.0, "2023-05-01T12:00:00Z"}, values[0])
		assert.Equal(t, [2]any{5.0, "2023-05-01T12:02:00Z"}, values[1])
	})

	t.Run("min and max", func(t *testing.T) {
		values := aggregateSeries(instances, queryFor(models.AggregateMin))
		assert.Equal(t, 10.0, values[0][0])
		values = aggregateSeries(instances, queryFor(models.AggregateMax))
		assert.Equal(t, 20.0, values[0][0])
	})

	t.Run("sum", func(t *testing.T) {
		values := aggregateSeries(instances, queryFor(models.AggregateSum))
		assert.Equal(t, 30.0, values[0][0])
		assert.Equal(t, 5.0, values[1][0])
	})

	t.Run("count includes non-numeric observations", func(t *testing.T) {
		values := aggregateSeries(instances, queryFor(models.AggregateCount))
		require.Len(t, values, 2)
		assert.Equal(t, 3, values[0][0])
		assert.Equal(t, 1, values[1][0])
	})

	t.Run("buckets are anchored at the window start", func(t *testing.T) {
		early := []models.AttributeInstance{instanceAt(-30*time.Second, measured(1), nil)}
		values := aggregateSeries(early, queryFor(models.AggregateSum))
		require.Len(t, values, 1)
		// an observation just before the anchor falls in the previous bucket
		assert.Equal(t, "2023-05-01T11:58:00Z", values[0][1])
	})

	t.Run("empty input", func(t *testing.T) {
		values := aggregateSeries(nil, queryFor(models.AggregateAvg))
		assert.Empty(t, values)
	})
}
