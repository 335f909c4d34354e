package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/pkg/utils"
)

func numValue(f float64) *models.Value {
	v := models.NumberValue(f)
	return &v
}

func textValue(s string) *models.Value {
	v := models.TextValue(s)
	return &v
}

func mustEntity(t *testing.T, id string, types []string, frags map[string]models.Fragment) *models.Entity {
	t.Helper()
	entity, err := models.EntityFromFragments(id, types, frags, time.Now().UTC())
	require.NoError(t, err)
	return entity
}

func seedApiary(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	beekeeper := mustEntity(t, "urn:ngsi-ld:Beekeeper:1230", []string{"Beekeeper"}, map[string]models.Fragment{
		"name": {Type: models.AttributeProperty, Value: textValue("Scalpa")},
	})
	require.NoError(t, s.CreateEntity(ctx, beekeeper))

	beehive := mustEntity(t, "urn:ngsi-ld:Beehive:1234", []string{"Beehive"}, map[string]models.Fragment{
		"name":      {Type: models.AttributeProperty, Value: textValue("ParisBeehive12")},
		"managedBy": {Type: models.AttributeRelationship, Object: "urn:ngsi-ld:Beekeeper:1230"},
	})
	require.NoError(t, s.CreateEntity(ctx, beehive))

	deadFishes := mustEntity(t, "urn:ngsi-ld:DeadFishes:019BN", []string{"DeadFishes"}, map[string]models.Fragment{
		"fishNumber": {Type: models.AttributeProperty, Value: numValue(500)},
		"fishWeight": {Type: models.AttributeProperty, Value: numValue(120.5)},
	})
	require.NoError(t, s.CreateEntity(ctx, deadFishes))
}

func TestCreateEntityDuplicate(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	entity := mustEntity(t, "urn:ngsi-ld:Beekeeper:1230", []string{"Beekeeper"}, nil)
	require.NoError(t, s.CreateEntity(ctx, entity))

	err := s.CreateEntity(ctx, entity)
	require.Error(t, err)
	assert.True(t, utils.IsAlreadyExists(err))
}

func TestGetEntityNotFound(t *testing.T) {
	s := NewStore()

	_, err := s.GetEntity(context.Background(), "urn:ngsi-ld:Beekeeper:missing")
	require.Error(t, err)
	assert.True(t, utils.IsNotFound(err))
}

func TestQueryEntitiesByType(t *testing.T) {
	s := NewStore()
	seedApiary(t, s)

	ids, err := s.QueryEntities(context.Background(), models.EntityQuery{Type: "Beekeeper"})
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:ngsi-ld:Beekeeper:1230"}, ids)

	ids, err = s.QueryEntities(context.Background(), models.EntityQuery{Type: "Unknown"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestQueryEntitiesPredicates(t *testing.T) {
	s := NewStore()
	seedApiary(t, s)
	ctx := context.Background()

	tests := []struct {
		name string
		q    string
		typ  string
		want []string
	}{
		{name: "name equality", typ: "Beekeeper", q: `name=="Scalpa"`, want: []string{"urn:ngsi-ld:Beekeeper:1230"}},
		{name: "name inequality no match", typ: "Beekeeper", q: `name=="ScalpaXYZ"`, want: nil},
		{name: "numeric gte", typ: "DeadFishes", q: "fishWeight>=120", want: []string{"urn:ngsi-ld:DeadFishes:019BN"}},
		{name: "strict gt excludes boundary", typ: "DeadFishes", q: "fishWeight>120.5", want: nil},
		{name: "combined clauses", typ: "DeadFishes", q: "fishNumber>=500;fishWeight>=120", want: []string{"urn:ngsi-ld:DeadFishes:019BN"}},
		{name: "combined clauses one fails", typ: "DeadFishes", q: "fishNumber>500;fishWeight>=120", want: nil},
		{name: "absence matches not-equal", typ: "Beekeeper", q: "fishNumber!=0", want: []string{"urn:ngsi-ld:Beekeeper:1230"}},
		{name: "absence fails equality", typ: "Beekeeper", q: "fishNumber==0", want: nil},
		{name: "relationship target", typ: "Beehive", q: "managedBy==urn:ngsi-ld:Beekeeper:1230", want: []string{"urn:ngsi-ld:Beehive:1234"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			predicates, err := models.ParseQueryPredicates(tt.q)
			require.NoError(t, err)

			ids, err := s.QueryEntities(ctx, models.EntityQuery{Type: tt.typ, Predicates: predicates})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestQueryEntitiesStoreOrderAndPagination(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	for _, id := range []string{"urn:x:1", "urn:x:2", "urn:x:3"} {
		require.NoError(t, s.CreateEntity(ctx, mustEntity(t, id, []string{"Sensor"}, nil)))
	}

	ids, err := s.QueryEntities(ctx, models.EntityQuery{Type: "Sensor"})
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:x:1", "urn:x:2", "urn:x:3"}, ids)

	ids, err = s.QueryEntities(ctx, models.EntityQuery{Type: "Sensor", Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"urn:x:2"}, ids)

	ids, err = s.QueryEntities(ctx, models.EntityQuery{Type: "Sensor", Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUpdateEntity(t *testing.T) {
	s := NewStore()
	seedApiary(t, s)
	ctx := context.Background()

	frags := map[string]models.Fragment{
		"name":                {Type: models.AttributeProperty, Value: textValue("Renamed")},
		"heightAboveSeaLevel": {Type: models.AttributeProperty, Value: numValue(32)},
	}
	require.NoError(t, s.UpdateEntity(ctx, "urn:ngsi-ld:Beehive:1234", frags, time.Now().UTC()))

	entity, err := s.GetEntity(ctx, "urn:ngsi-ld:Beehive:1234")
	require.NoError(t, err)
	require.Len(t, entity.Attributes, 3)

	name, ok := entity.Attribute("name")
	require.True(t, ok)
	text, _ := name.Value.Text()
	assert.Equal(t, "Renamed", text)
	assert.NotNil(t, name.ModifiedAt)

	t.Run("unknown entity", func(t *testing.T) {
		err := s.UpdateEntity(ctx, "urn:x:missing", frags, time.Now().UTC())
		assert.True(t, utils.IsNotFound(err))
	})

	t.Run("invalid fragment", func(t *testing.T) {
		bad := map[string]models.Fragment{"name": {Type: models.AttributeRelationship, Object: "urn:x:1"}}
		err := s.UpdateEntity(ctx, "urn:ngsi-ld:Beehive:1234", bad, time.Now().UTC())
		assert.True(t, utils.IsBadRequestData(err))
	})
}

func TestDeleteEntity(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	frag := map[string]models.Fragment{
		"fishWeight": {
			Type:  models.AttributeProperty,
			Value: numValue(120.5),
			Sub: map[string]models.Fragment{
				"unitCode": {Type: models.AttributeProperty, Value: textValue("GRM")},
			},
		},
	}
	require.NoError(t, s.CreateEntity(ctx, mustEntity(t, "urn:x:1", []string{"Fish"}, frag)))

	removed, err := s.DeleteEntity(ctx, "urn:x:1")
	require.NoError(t, err)
	// entity node + attribute + sub-attribute
	assert.Equal(t, 3, removed)

	_, err = s.GetEntity(ctx, "urn:x:1")
	assert.True(t, utils.IsNotFound(err))

	t.Run("absent entity removes nothing", func(t *testing.T) {
		removed, err := s.DeleteEntity(ctx, "urn:x:1")
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}

func TestResolveFixesValueType(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	tea, err := s.Resolve(ctx, "urn:x:1", "fishWeight", models.NumberValue(120.5))
	require.NoError(t, err)
	assert.Equal(t, models.ValueTypeMeasure, tea.ValueType)

	// second resolution with a different kind returns the same record
	again, err := s.Resolve(ctx, "urn:x:1", "fishWeight", models.TextValue("heavy"))
	require.NoError(t, err)
	assert.Equal(t, tea.ID, again.ID)
	assert.Equal(t, models.ValueTypeMeasure, again.ValueType)
}

func TestAppendInstanceValueTypeMismatch(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	tea, err := s.Resolve(ctx, "urn:x:1", "fishWeight", models.NumberValue(120.5))
	require.NoError(t, err)

	err = s.AppendInstance(ctx, tea, time.Now().UTC(), models.TextValue("not-a-number"))
	require.Error(t, err)
	assert.True(t, utils.IsInvalidValue(err))

	appErr := err.(*utils.AppError)
	assert.Equal(t, "text", appErr.Details["value_kind"])
}

func TestAppendInstanceAnyAcceptsEverything(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	tea, err := s.Resolve(ctx, "urn:x:1", "status", models.TextValue("open"))
	require.NoError(t, err)
	require.Equal(t, models.ValueTypeAny, tea.ValueType)

	require.NoError(t, s.AppendInstance(ctx, tea, time.Now().UTC(), models.TextValue("closed")))
	require.NoError(t, s.AppendInstance(ctx, tea, time.Now().UTC(), models.NumberValue(42)))
}

func TestSearchInstancesOutOfOrderAppends(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	tea, err := s.Resolve(ctx, "urn:x:1", "incoming", models.NumberValue(1))
	require.NoError(t, err)

	base := time.Date(2019, 10, 17, 7, 0, 0, 0, time.UTC)
	// appended out of observation order
	for _, offset := range []time.Duration{30 * time.Minute, 10 * time.Minute, 20 * time.Minute} {
		require.NoError(t, s.AppendInstance(ctx, tea, base.Add(offset), models.NumberValue(float64(offset/time.Minute))))
	}

	end := base.Add(time.Hour)
	instances, err := s.SearchInstances(ctx, tea.ID, models.TemporalQuery{
		Timerel: models.TimerelBetween,
		Time:    base,
		EndTime: &end,
	})
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.True(t, instances[0].ObservedAt.Before(instances[1].ObservedAt))
	assert.True(t, instances[1].ObservedAt.Before(instances[2].ObservedAt))
}

func TestSearchInstancesWindow(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	tea, err := s.Resolve(ctx, "urn:x:1", "incoming", models.NumberValue(1))
	require.NoError(t, err)

	at := time.Date(2019, 10, 17, 7, 31, 39, 0, time.UTC)
	require.NoError(t, s.AppendInstance(ctx, tea, at.Add(-time.Second), models.NumberValue(1)))
	require.NoError(t, s.AppendInstance(ctx, tea, at, models.NumberValue(2)))
	require.NoError(t, s.AppendInstance(ctx, tea, at.Add(time.Second), models.NumberValue(3)))

	before, err := s.SearchInstances(ctx, tea.ID, models.TemporalQuery{Timerel: models.TimerelBefore, Time: at})
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, 1.0, *before[0].MeasuredValue)

	after, err := s.SearchInstances(ctx, tea.ID, models.TemporalQuery{Timerel: models.TimerelAfter, Time: at})
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, 3.0, *after[0].MeasuredValue)

	end := at.Add(time.Second)
	between, err := s.SearchInstances(ctx, tea.ID, models.TemporalQuery{Timerel: models.TimerelBetween, Time: at, EndTime: &end})
	require.NoError(t, err)
	assert.Len(t, between, 2)
}

func TestListForEntity(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.Resolve(ctx, "urn:x:1", "outgoing", models.NumberValue(1))
	require.NoError(t, err)
	_, err = s.Resolve(ctx, "urn:x:1", "incoming", models.NumberValue(1))
	require.NoError(t, err)
	_, err = s.Resolve(ctx, "urn:x:2", "incoming", models.NumberValue(1))
	require.NoError(t, err)

	teas, err := s.ListForEntity(ctx, "urn:x:1", nil)
	require.NoError(t, err)
	require.Len(t, teas, 2)
	assert.Equal(t, "incoming", teas[0].AttributeName)
	assert.Equal(t, "outgoing", teas[1].AttributeName)

	teas, err = s.ListForEntity(ctx, "urn:x:1", []string{"incoming"})
	require.NoError(t, err)
	require.Len(t, teas, 1)

	_, err = s.ListForEntity(ctx, "urn:x:1", []string{"unknown"})
	assert.True(t, utils.IsNotFound(err))

	_, err = s.ListForEntity(ctx, "urn:x:missing", nil)
	assert.True(t, utils.IsNotFound(err))
}

func TestDeleteForEntityCascades(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	tea, err := s.Resolve(ctx, "urn:x:1", "incoming", models.NumberValue(1))
	require.NoError(t, err)
	require.NoError(t, s.AppendInstance(ctx, tea, time.Now().UTC(), models.NumberValue(1)))

	require.NoError(t, s.DeleteForEntity(ctx, "urn:x:1"))

	_, err = s.ListForEntity(ctx, "urn:x:1", nil)
	assert.True(t, utils.IsNotFound(err))

	// resolving again starts a fresh record
	fresh, err := s.Resolve(ctx, "urn:x:1", "incoming", models.TextValue("x"))
	require.NoError(t, err)
	assert.NotEqual(t, tea.ID, fresh.ID)
	assert.Equal(t, models.ValueTypeAny, fresh.ValueType)
}

func TestReadsAreIsolatedFromWrites(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedApiary(t, s)

	snapshot, err := s.GetEntity(ctx, "urn:ngsi-ld:Beekeeper:1230")
	require.NoError(t, err)

	require.NoError(t, s.UpdateEntity(ctx, "urn:ngsi-ld:Beekeeper:1230", map[string]models.Fragment{
		"name": {Type: models.AttributeProperty, Value: textValue("Renamed")},
	}, time.Now().UTC()))

	// the earlier read still sees the value it was handed
	name, ok := snapshot.Attribute("name")
	require.True(t, ok)
	text, _ := name.Value.Text()
	assert.Equal(t, "Scalpa", text)

	// mutating a read result does not leak back into the store
	listed, err := s.ListEntities(ctx, "Beekeeper", 0, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.NoError(t, listed[0].Upsert("name", models.Fragment{
		Type: models.AttributeProperty, Value: textValue("Hijacked"),
	}, time.Now().UTC()))

	fresh, err := s.GetEntity(ctx, "urn:ngsi-ld:Beekeeper:1230")
	require.NoError(t, err)
	name, ok = fresh.Attribute("name")
	require.True(t, ok)
	text, _ = name.Value.Text()
	assert.Equal(t, "Renamed", text)
}
