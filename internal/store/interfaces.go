package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sumandas0/contextd/internal/models"
)

// EntityStore is the durable home of the entity-attribute graph. Create must
// be a single conditional insert: two concurrent creates for one id yield
// exactly one success and one AlreadyExists.
type EntityStore interface {
	CreateEntity(ctx context.Context, entity *models.Entity) error
	GetEntity(ctx context.Context, id string) (*models.Entity, error)

	// QueryEntities translates the declarative query into the store-native
	// form and returns matching entity ids in store order.
	QueryEntities(ctx context.Context, query models.EntityQuery) ([]string, error)

	UpdateEntity(ctx context.Context, id string, frags map[string]models.Fragment, now time.Time) error

	// DeleteEntity removes the entity and its owned attribute nodes and
	// returns the removed-node count; 0 means the id was absent.
	DeleteEntity(ctx context.Context, id string) (int, error)

	ListEntities(ctx context.Context, typeLabel string, limit, offset int) ([]*models.Entity, error)

	Ping(ctx context.Context) error
	Close() error
}

// TemporalStore combines the temporal attribute registry and the append-only
// attribute instance store.
type TemporalStore interface {
	// Resolve returns the temporal identity for (entityId, attributeName),
	// creating it with a value type inferred from firstValue. The inference
	// is permanent.
	Resolve(ctx context.Context, entityID, attributeName string, firstValue models.Value) (*models.TemporalEntityAttribute, error)

	// ListForEntity returns the entity's temporal attributes, optionally
	// restricted to the given names; NotFound when nothing matches.
	ListForEntity(ctx context.Context, entityID string, attrs []string) ([]*models.TemporalEntityAttribute, error)

	// AttachEntityPayload caches a rendered entity snapshot on the temporal
	// attribute. Best effort; callers never depend on it succeeding.
	AttachEntityPayload(ctx context.Context, id uuid.UUID, payload json.RawMessage) error

	// AppendInstance stores one observation. The value must agree with the
	// attribute's fixed value type or InvalidValue is returned. Always an
	// insert, never a mutation.
	AppendInstance(ctx context.Context, tea *models.TemporalEntityAttribute, observedAt time.Time, value models.Value) error

	// SearchInstances returns the window-matching instances ordered by
	// observedAt ascending, however they were appended.
	SearchInstances(ctx context.Context, id uuid.UUID, query models.TemporalQuery) ([]models.AttributeInstance, error)

	// DeleteForEntity cascades an entity deletion into its temporal records.
	DeleteForEntity(ctx context.Context, entityID string) error

	Ping(ctx context.Context) error
	Close() error
}
