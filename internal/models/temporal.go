package models

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sumandas0/contextd/pkg/utils"
)

// TemporalEntityAttribute is the temporal-tracking identity of one
// (entity, attribute) pair. At most one exists per pair; its value type is
// fixed by the first observation.
type TemporalEntityAttribute struct {
	ID            uuid.UUID
	EntityID      string
	AttributeName string
	ValueType     AttributeValueType

	// EntityPayload caches the entity's last rendered payload so temporal
	// reads can skip the repository. Absent for legacy records.
	EntityPayload json.RawMessage
}

// AttributeInstance is one timestamped observation. Instances are append-only
// and immutable once stored.
type AttributeInstance struct {
	ID                      uuid.UUID
	TemporalEntityAttribute uuid.UUID
	ObservedAt              time.Time
	MeasuredValue           *float64
	Value                   *Value
}

// RenderedValue is the observation value in its JSON form.
func (i AttributeInstance) RenderedValue() any {
	if i.MeasuredValue != nil {
		return *i.MeasuredValue
	}
	if i.Value != nil {
		return i.Value.Interface()
	}
	return nil
}

type Timerel string

const (
	TimerelBefore  Timerel = "before"
	TimerelAfter   Timerel = "after"
	TimerelBetween Timerel = "between"
)

type Aggregate string

const (
	AggregateMin   Aggregate = "min"
	AggregateMax   Aggregate = "max"
	AggregateAvg   Aggregate = "avg"
	AggregateSum   Aggregate = "sum"
	AggregateCount Aggregate = "count"
)

var supportedAggregates = map[Aggregate]bool{
	AggregateMin:   true,
	AggregateMax:   true,
	AggregateAvg:   true,
	AggregateSum:   true,
	AggregateCount: true,
}

// TemporalQuery is a validated windowed, optionally aggregated, slice request
// over attribute history.
type TemporalQuery struct {
	Timerel    Timerel
	Time       time.Time
	EndTime    *time.Time
	Attrs      []string
	TimeBucket *time.Duration
	Aggregate  Aggregate
}

func badTemporalQuery(message string) error {
	return utils.NewAppError(utils.CodeBadRequestData, message, nil)
}

// BuildTemporalQuery validates request parameters into a TemporalQuery. It
// fails fast on the first violation and never partially validates.
func BuildTemporalQuery(params url.Values) (TemporalQuery, error) {
	if !params.Has("timerel") || !params.Has("time") {
		return TemporalQuery{}, badTemporalQuery("'timerel' and 'time' request parameters are mandatory")
	}

	timerel := Timerel(strings.ToLower(params.Get("timerel")))
	switch timerel {
	case TimerelBefore, TimerelAfter, TimerelBetween:
	default:
		return TemporalQuery{}, badTemporalQuery("'timerel' is not valid, it should be one of 'before', 'between' or 'after'")
	}

	if timerel == TimerelBetween && !params.Has("endTime") {
		return TemporalQuery{}, badTemporalQuery("'endTime' request parameter is mandatory if 'timerel' is 'between'")
	}
	if timerel != TimerelBetween && params.Has("endTime") {
		return TemporalQuery{}, badTemporalQuery("'endTime' is only allowed when 'timerel' is 'between'")
	}

	at, err := time.Parse(time.RFC3339, params.Get("time"))
	if err != nil {
		return TemporalQuery{}, badTemporalQuery("'time' parameter is not a valid date")
	}

	var endTime *time.Time
	if params.Has("endTime") {
		end, err := time.Parse(time.RFC3339, params.Get("endTime"))
		if err != nil {
			return TemporalQuery{}, badTemporalQuery("'endTime' parameter is not a valid date")
		}
		endTime = &end
	}

	if params.Has("timeBucket") != params.Has("aggregate") {
		return TemporalQuery{}, badTemporalQuery("'timeBucket' and 'aggregate' must both be provided for aggregated queries")
	}

	query := TemporalQuery{
		Timerel: timerel,
		Time:    at,
		EndTime: endTime,
	}

	if params.Has("aggregate") {
		aggregate := Aggregate(params.Get("aggregate"))
		if !supportedAggregates[aggregate] {
			return TemporalQuery{}, badTemporalQuery("value '" + params.Get("aggregate") + "' is not supported for 'aggregate' parameter")
		}
		bucket, err := time.ParseDuration(params.Get("timeBucket"))
		if err != nil || bucket <= 0 {
			return TemporalQuery{}, badTemporalQuery("'timeBucket' parameter is not a valid duration")
		}
		query.Aggregate = aggregate
		query.TimeBucket = &bucket
	}

	if params.Has("attrs") {
		for _, attr := range strings.Split(params.Get("attrs"), ",") {
			if attr = strings.TrimSpace(attr); attr != "" {
				query.Attrs = append(query.Attrs, attr)
			}
		}
	}

	return query, nil
}

// Aggregated reports whether the query requests bucketed reduction.
func (q TemporalQuery) Aggregated() bool {
	return q.TimeBucket != nil
}

// InWindow applies the window semantics: before is a strict upper bound,
// after a strict lower bound, between inclusive on both ends.
func (q TemporalQuery) InWindow(observedAt time.Time) bool {
	switch q.Timerel {
	case TimerelBefore:
		return observedAt.Before(q.Time)
	case TimerelAfter:
		return observedAt.After(q.Time)
	case TimerelBetween:
		return !observedAt.Before(q.Time) && !observedAt.After(*q.EndTime)
	default:
		return false
	}
}

// WantsAttribute reports whether the attrs filter admits the named attribute.
// An empty filter admits everything.
func (q TemporalQuery) WantsAttribute(name string) bool {
	if len(q.Attrs) == 0 {
		return true
	}
	for _, attr := range q.Attrs {
		if attr == name {
			return true
		}
	}
	return false
}
