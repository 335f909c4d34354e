// Package memory provides an embedded, mutex-guarded implementation of the
// entity and temporal stores. It is the reference store for tests and for
// running the broker without external infrastructure.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/store"
	"github.com/sumandas0/contextd/pkg/utils"
)

type Store struct {
	mu sync.RWMutex

	entities map[string]*models.Entity
	order    []string

	teas      map[uuid.UUID]*models.TemporalEntityAttribute
	teaByPair map[pairKey]uuid.UUID
	instances map[uuid.UUID][]models.AttributeInstance
}

type pairKey struct {
	entityID      string
	attributeName string
}

func NewStore() *Store {
	return &Store{
		entities:  make(map[string]*models.Entity),
		teas:      make(map[uuid.UUID]*models.TemporalEntityAttribute),
		teaByPair: make(map[pairKey]uuid.UUID),
		instances: make(map[uuid.UUID][]models.AttributeInstance),
	}
}

// Entity operations

func (s *Store) CreateEntity(ctx context.Context, entity *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// conditional insert under the write lock: the check and the insert are
	// one atomic step, so concurrent creates cannot both succeed
	if _, exists := s.entities[entity.ID]; exists {
		return utils.NewAppError(utils.CodeAlreadyExists, "entity already exists", nil).
			WithDetail("id", entity.ID)
	}

	// the store owns its copy; the caller keeps mutating rights on its own
	s.entities[entity.ID] = entity.Clone()
	s.order = append(s.order, entity.ID)
	return nil
}

func (s *Store) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entity, exists := s.entities[id]
	if !exists {
		return nil, utils.NewAppError(utils.CodeNotFound, "entity not found", nil).
			WithDetail("id", id)
	}
	// cloned under the read lock so renders never race a concurrent update
	return entity.Clone(), nil
}

func (s *Store) QueryEntities(ctx context.Context, query models.EntityQuery) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for _, id := range s.order {
		entity := s.entities[id]
		if query.Type != "" && !entity.HasType(query.Type) {
			continue
		}
		if !matchesAll(entity, query.Predicates) {
			continue
		}
		ids = append(ids, id)
	}

	return paginate(ids, query.Limit, query.Offset), nil
}

func matchesAll(entity *models.Entity, predicates []models.Predicate) bool {
	for _, predicate := range predicates {
		if !predicate.MatchesEntity(entity) {
			return false
		}
	}
	return true
}

func paginate(ids []string, limit, offset int) []string {
	if offset > 0 {
		if offset >= len(ids) {
			return nil
		}
		ids = ids[offset:]
	}
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}
	return ids
}

func (s *Store) UpdateEntity(ctx context.Context, id string, frags map[string]models.Fragment, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, exists := s.entities[id]
	if !exists {
		return utils.NewAppError(utils.CodeNotFound, "entity not found", nil).
			WithDetail("id", id)
	}

	names := make([]string, 0, len(frags))
	for name := range frags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := entity.Upsert(name, frags[name], now); err != nil {
			return utils.NewAppError(utils.CodeBadRequestData, "invalid attribute fragment", err).
				WithDetail("attribute", name)
		}
	}
	return nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, exists := s.entities[id]
	if !exists {
		return 0, nil
	}

	removed := entity.NodeCount()
	delete(s.entities, id)
	for i, stored := range s.order {
		if stored == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return removed, nil
}

func (s *Store) ListEntities(ctx context.Context, typeLabel string, limit, offset int) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.Entity
	for _, id := range s.order {
		entity := s.entities[id]
		if typeLabel != "" && !entity.HasType(typeLabel) {
			continue
		}
		matched = append(matched, entity.Clone())
	}

	if offset > 0 {
		if offset >= len(matched) {
			return nil, nil
		}
		matched = matched[offset:]
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Temporal attribute registry

func (s *Store) Resolve(ctx context.Context, entityID, attributeName string, firstValue models.Value) (*models.TemporalEntityAttribute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{entityID: entityID, attributeName: attributeName}
	if id, exists := s.teaByPair[key]; exists {
		return s.teas[id], nil
	}

	tea := &models.TemporalEntityAttribute{
		ID:            uuid.New(),
		EntityID:      entityID,
		AttributeName: attributeName,
		ValueType:     models.InferValueType(firstValue),
	}
	s.teas[tea.ID] = tea
	s.teaByPair[key] = tea.ID
	return tea, nil
}

func (s *Store) ListForEntity(ctx context.Context, entityID string, attrs []string) ([]*models.TemporalEntityAttribute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(attrs))
	for _, attr := range attrs {
		wanted[attr] = true
	}

	var matched []*models.TemporalEntityAttribute
	for _, tea := range s.teas {
		if tea.EntityID != entityID {
			continue
		}
		if len(wanted) > 0 && !wanted[tea.AttributeName] {
			continue
		}
		matched = append(matched, tea)
	}

	if len(matched) == 0 {
		return nil, utils.NewAppError(utils.CodeNotFound, "entity has no temporal attributes", nil).
			WithDetail("entity_id", entityID)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].AttributeName < matched[j].AttributeName
	})
	return matched, nil
}

func (s *Store) AttachEntityPayload(ctx context.Context, id uuid.UUID, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tea, exists := s.teas[id]
	if !exists {
		return utils.NewAppError(utils.CodeNotFound, "temporal attribute not found", nil).
			WithDetail("id", id.String())
	}
	tea.EntityPayload = payload
	return nil
}

// Attribute instance store

func (s *Store) AppendInstance(ctx context.Context, tea *models.TemporalEntityAttribute, observedAt time.Time, value models.Value) error {
	instance := models.AttributeInstance{
		ID:                      uuid.New(),
		TemporalEntityAttribute: tea.ID,
		ObservedAt:              observedAt,
	}

	switch tea.ValueType {
	case models.ValueTypeMeasure:
		measured, ok := value.Float()
		if !ok {
			return utils.NewAppError(utils.CodeInvalidValue, "non-numeric value for a MEASURE attribute", nil).
				WithDetail("attribute", tea.AttributeName).
				WithDetail("value_kind", value.Kind().String())
		}
		instance.MeasuredValue = &measured
	default:
		v := value
		instance.Value = &v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// append in arrival order; observedAt ordering is applied at read time
	s.instances[tea.ID] = append(s.instances[tea.ID], instance)
	return nil
}

func (s *Store) SearchInstances(ctx context.Context, id uuid.UUID, query models.TemporalQuery) ([]models.AttributeInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AttributeInstance
	for _, instance := range s.instances[id] {
		if query.InWindow(instance.ObservedAt) {
			matched = append(matched, instance)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].ObservedAt.Before(matched[j].ObservedAt)
	})
	return matched, nil
}

func (s *Store) DeleteForEntity(ctx context.Context, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, tea := range s.teas {
		if tea.EntityID != entityID {
			continue
		}
		delete(s.teas, id)
		delete(s.teaByPair, pairKey{entityID: entityID, attributeName: tea.AttributeName})
		delete(s.instances, id)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

var (
	_ store.EntityStore   = (*Store)(nil)
	_ store.TemporalStore = (*Store)(nil)
)
