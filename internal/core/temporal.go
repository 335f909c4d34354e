package core

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/observability"
	"github.com/sumandas0/contextd/internal/resilience"
	"github.com/sumandas0/contextd/internal/store"
	"github.com/sumandas0/contextd/pkg/utils"
)

const entityStoreBreaker = "entity-store"

// TemporalEngine serves windowed history reads and direct instance appends.
// Entity payloads are cached on the temporal attribute; the entity store is
// only consulted, behind a circuit breaker, when the cache is cold.
type TemporalEngine struct {
	temporalStore store.TemporalStore
	entityStore   store.EntityStore
	breakers      *resilience.CircuitBreakerManager
	obsManager    *observability.Manager
	logger        zerolog.Logger
	tracing       *observability.TracingManager
}

func NewTemporalEngine(
	temporalStore store.TemporalStore,
	entityStore store.EntityStore,
	breakers *resilience.CircuitBreakerManager,
	obsManager *observability.Manager,
) *TemporalEngine {
	return &TemporalEngine{
		temporalStore: temporalStore,
		entityStore:   entityStore,
		breakers:      breakers,
		obsManager:    obsManager,
		logger:        obsManager.GetLogging().GetZerologLogger(),
		tracing:       obsManager.GetTracing(),
	}
}

// Query evaluates a temporal query for one entity and renders the result as
// the entity payload with each queried attribute replaced by its history.
// With temporalValues the history is the compact [value, observedAt] form.
func (te *TemporalEngine) Query(ctx context.Context, entityID string, query models.TemporalQuery, temporalValues bool) (map[string]any, error) {
	ctx, span := te.tracing.StartTemporalOperation(ctx, "query", entityID, query.Attrs)
	defer span.End()
	start := time.Now()

	teas, err := te.temporalStore.ListForEntity(ctx, entityID, query.Attrs)
	if err != nil {
		te.tracing.SetSpanError(span, err)
		return nil, err
	}

	result, err := te.basePayload(ctx, entityID, teas)
	if err != nil {
		te.tracing.SetSpanError(span, err)
		return nil, err
	}

	for _, tea := range teas {
		instances, err := te.temporalStore.SearchInstances(ctx, tea.ID, query)
		if err != nil {
			te.tracing.SetSpanError(span, err)
			return nil, err
		}
		result[tea.AttributeName] = renderSeries(instances, query, temporalValues)
	}

	te.obsManager.GetMetrics().RecordTemporalQuery(string(query.Timerel), query.Aggregated(), time.Since(start))
	return result, nil
}

// AppendAttributes appends one observation per fragment. Every fragment must
// carry a value and an observation time.
func (te *TemporalEngine) AppendAttributes(ctx context.Context, entityID string, frags map[string]models.Fragment) error {
	names := make([]string, 0, len(frags))
	for name := range frags {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx, span := te.tracing.StartTemporalOperation(ctx, "append", entityID, names)
	defer span.End()

	if len(frags) == 0 {
		return utils.NewAppError(utils.CodeBadRequestData, "no attributes to append", nil)
	}

	for _, name := range names {
		frag := frags[name]
		if frag.Value == nil {
			err := utils.NewAppError(utils.CodeBadRequestData, "fragment has no value", nil).
				WithDetail("attribute", name)
			te.tracing.SetSpanError(span, err)
			return err
		}
		if frag.ObservedAt == nil {
			err := utils.NewAppError(utils.CodeBadRequestData, "fragment has no observedAt", nil).
				WithDetail("attribute", name)
			te.tracing.SetSpanError(span, err)
			return err
		}

		if err := te.Append(ctx, entityID, name, *frag.ObservedAt, *frag.Value); err != nil {
			te.tracing.SetSpanError(span, err)
			return err
		}
	}
	return nil
}

// Append records a single observation, resolving the temporal identity on
// first use.
func (te *TemporalEngine) Append(ctx context.Context, entityID, attributeName string, observedAt time.Time, value models.Value) error {
	tea, err := te.temporalStore.Resolve(ctx, entityID, attributeName, value)
	if err != nil {
		return err
	}
	if err := te.temporalStore.AppendInstance(ctx, tea, observedAt, value); err != nil {
		return err
	}
	te.obsManager.GetMetrics().RecordInstanceAppended()
	return nil
}

// Bootstrap registers temporal identities for an entity's property attributes
// and caches the rendered payload on each of them. Every property gets a
// first instance: at its observation time, or at ingestion time when the
// fragment carried none.
func (te *TemporalEngine) Bootstrap(ctx context.Context, entity *models.Entity) error {
	payload, err := json.Marshal(entity.Payload())
	if err != nil {
		return err
	}

	for _, attr := range entity.Attributes {
		if attr.Kind != models.AttributeProperty {
			continue
		}
		tea, err := te.temporalStore.Resolve(ctx, entity.ID, attr.Name, attr.Value)
		if err != nil {
			return err
		}
		if err := te.temporalStore.AttachEntityPayload(ctx, tea.ID, payload); err != nil {
			te.logger.Warn().Err(err).
				Str("entity_id", entity.ID).
				Str("attribute_name", attr.Name).
				Msg("failed to attach entity payload")
		}
		observedAt := entity.CreatedAt
		if attr.ObservedAt != nil {
			observedAt = *attr.ObservedAt
		}
		if err := te.temporalStore.AppendInstance(ctx, tea, observedAt, attr.Value); err != nil {
			return err
		}
		te.obsManager.GetMetrics().RecordInstanceAppended()
	}
	return nil
}

func (te *TemporalEngine) DeleteForEntity(ctx context.Context, entityID string) error {
	return te.temporalStore.DeleteForEntity(ctx, entityID)
}

// basePayload returns the entity payload the series are merged onto: the
// cached snapshot when any temporal attribute carries one, otherwise the
// entity store copy, which is then attached back asynchronously.
func (te *TemporalEngine) basePayload(ctx context.Context, entityID string, teas []*models.TemporalEntityAttribute) (map[string]any, error) {
	for _, tea := range teas {
		if len(tea.EntityPayload) == 0 {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(tea.EntityPayload, &payload); err == nil {
			return payload, nil
		}
		te.logger.Warn().
			Str("entity_id", entityID).
			Str("attribute_name", tea.AttributeName).
			Msg("discarding unreadable cached entity payload")
	}

	fetched, err := te.breakers.ExecuteWithContext(ctx, entityStoreBreaker, func(ctx context.Context) (any, error) {
		return te.entityStore.GetEntity(ctx, entityID)
	})
	if err != nil {
		if utils.IsNotFound(err) {
			// temporal records can outlive the entity; serve the series alone
			return map[string]any{"id": entityID}, nil
		}
		return nil, err
	}

	payload := fetched.(*models.Entity).Payload()
	te.attachPayloadAsync(teas, payload)
	return payload, nil
}

// attachPayloadAsync backfills the payload cache without holding up the read.
func (te *TemporalEngine) attachPayloadAsync(teas []*models.TemporalEntityAttribute, payload map[string]any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, tea := range teas {
			if len(tea.EntityPayload) > 0 {
				continue
			}
			if err := te.temporalStore.AttachEntityPayload(ctx, tea.ID, encoded); err != nil {
				te.logger.Debug().Err(err).
					Str("entity_id", tea.EntityID).
					Str("attribute_name", tea.AttributeName).
					Msg("payload backfill failed")
			}
		}
	}()
}

// renderSeries renders the instance list for one attribute. Aggregated
// queries reduce instances into fixed-width buckets anchored at the window
// start; plain queries list every instance.
func renderSeries(instances []models.AttributeInstance, query models.TemporalQuery, temporalValues bool) any {
	if query.Aggregated() {
		return map[string]any{"values": aggregateSeries(instances, query)}
	}

	if temporalValues {
		values := make([][2]any, 0, len(instances))
		for _, instance := range instances {
			values = append(values, [2]any{
				instance.RenderedValue(),
				instance.ObservedAt.UTC().Format(time.RFC3339),
			})
		}
		return map[string]any{"values": values}
	}

	fragments := make([]map[string]any, 0, len(instances))
	for _, instance := range instances {
		fragments = append(fragments, map[string]any{
			"type":       string(models.AttributeProperty),
			"value":      instance.RenderedValue(),
			"observedAt": instance.ObservedAt.UTC().Format(time.RFC3339),
			"instanceId": instance.ID.String(),
		})
	}
	return fragments
}

type bucket struct {
	start time.Time
	sum   float64
	min   float64
	max   float64
	count int
}

// aggregateSeries reduces instances into [aggregate, bucketStart] pairs.
// Buckets are anchored at the query's window start. Aggregates other than
// count only see numeric observations.
func aggregateSeries(instances []models.AttributeInstance, query models.TemporalQuery) [][2]any {
	width := *query.TimeBucket
	origin := query.Time

	buckets := make(map[int64]*bucket)
	for _, instance := range instances {
		if query.Aggregate != models.AggregateCount && instance.MeasuredValue == nil {
			continue
		}
		idx := int64(math.Floor(float64(instance.ObservedAt.Sub(origin)) / float64(width)))
		b, ok := buckets[idx]
		if !ok {
			b = &bucket{start: origin.Add(time.Duration(idx) * width), min: math.Inf(1), max: math.Inf(-1)}
			buckets[idx] = b
		}
		b.count++
		if instance.MeasuredValue != nil {
			v := *instance.MeasuredValue
			b.sum += v
			b.min = math.Min(b.min, v)
			b.max = math.Max(b.max, v)
		}
	}

	indexes := make([]int64, 0, len(buckets))
	for idx := range buckets {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	values := make([][2]any, 0, len(indexes))
	for _, idx := range indexes {
		b := buckets[idx]
		var aggregated any
		switch query.Aggregate {
		case models.AggregateMin:
			aggregated = b.min
		case models.AggregateMax:
			aggregated = b.max
		case models.AggregateSum:
			aggregated = b.sum
		case models.AggregateAvg:
			aggregated = b.sum / float64(b.count)
		case models.AggregateCount:
			aggregated = b.count
		}
		values = append(values, [2]any{aggregated, b.start.UTC().Format(time.RFC3339)})
	}
	return values
}
