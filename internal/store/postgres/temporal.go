package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/store"
	"github.com/sumandas0/contextd/pkg/utils"
)

// TemporalPostgresStore implements the temporal attribute registry and the
// attribute instance store on the same database as the entity store.
type TemporalPostgresStore struct {
	pool *pgxpool.Pool
}

func NewTemporalPostgresStore(pool *pgxpool.Pool) *TemporalPostgresStore {
	return &TemporalPostgresStore{pool: pool}
}

func (s *TemporalPostgresStore) Resolve(ctx context.Context, entityID, attributeName string, firstValue models.Value) (*models.TemporalEntityAttribute, error) {
	// conditional insert first, then read back whichever row won: the unique
	// (entity_id, attribute_name) constraint keeps resolution race-free and
	// the inferred value type permanent
	insert := `
		INSERT INTO temporal_entity_attributes (id, entity_id, attribute_name, value_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_id, attribute_name) DO NOTHING
	`
	_, err := s.pool.Exec(ctx, insert,
		uuid.New(), entityID, attributeName, string(models.InferValueType(firstValue)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve temporal attribute: %w", err)
	}

	query := `
		SELECT id, entity_id, attribute_name, value_type, entity_payload
		FROM temporal_entity_attributes
		WHERE entity_id = $1 AND attribute_name = $2
	`

	var tea models.TemporalEntityAttribute
	var valueType string
	var payload []byte
	err = s.pool.QueryRow(ctx, query, entityID, attributeName).Scan(
		&tea.ID, &tea.EntityID, &tea.AttributeName, &valueType, &payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read temporal attribute: %w", err)
	}
	tea.ValueType = models.AttributeValueType(valueType)
	tea.EntityPayload = payload
	return &tea, nil
}

func (s *TemporalPostgresStore) ListForEntity(ctx context.Context, entityID string, attrs []string) ([]*models.TemporalEntityAttribute, error) {
	query := `
		SELECT id, entity_id, attribute_name, value_type, entity_payload
		FROM temporal_entity_attributes
		WHERE entity_id = $1
	`
	args := []any{entityID}
	if len(attrs) > 0 {
		query += " AND attribute_name = ANY($2)"
		args = append(args, attrs)
	}
	query += " ORDER BY attribute_name"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list temporal attributes: %w", err)
	}
	defer rows.Close()

	var teas []*models.TemporalEntityAttribute
	for rows.Next() {
		var tea models.TemporalEntityAttribute
		var valueType string
		var payload []byte
		if err := rows.Scan(&tea.ID, &tea.EntityID, &tea.AttributeName, &valueType, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan temporal attribute: %w", err)
		}
		tea.ValueType = models.AttributeValueType(valueType)
		tea.EntityPayload = payload
		teas = append(teas, &tea)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(teas) == 0 {
		return nil, utils.NewAppError(utils.CodeNotFound, "entity has no temporal attributes", nil).
			WithDetail("entity_id", entityID)
	}
	return teas, nil
}

func (s *TemporalPostgresStore) AttachEntityPayload(ctx context.Context, id uuid.UUID, payload json.RawMessage) error {
	result, err := s.pool.Exec(ctx,
		`UPDATE temporal_entity_attributes SET entity_payload = $1 WHERE id = $2`,
		[]byte(payload), id)
	if err != nil {
		return fmt.Errorf("failed to attach entity payload: %w", err)
	}
	if result.RowsAffected() == 0 {
		return utils.NewAppError(utils.CodeNotFound, "temporal attribute not found", nil).
			WithDetail("id", id.String())
	}
	return nil
}

func (s *TemporalPostgresStore) AppendInstance(ctx context.Context, tea *models.TemporalEntityAttribute, observedAt time.Time, value models.Value) error {
	var measured *float64
	var valueJSON []byte

	switch tea.ValueType {
	case models.ValueTypeMeasure:
		f, ok := value.Float()
		if !ok {
			return utils.NewAppError(utils.CodeInvalidValue, "non-numeric value for a MEASURE attribute", nil).
				WithDetail("attribute", tea.AttributeName).
				WithDetail("value_kind", value.Kind().String())
		}
		measured = &f
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal instance value: %w", err)
		}
		valueJSON = raw
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO attribute_instances (id, temporal_entity_attribute, observed_at, measured_value, value)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), tea.ID, observedAt, measured, valueJSON)
	if err != nil {
		return fmt.Errorf("failed to append attribute instance: %w", err)
	}
	return nil
}

func (s *TemporalPostgresStore) SearchInstances(ctx context.Context, id uuid.UUID, query models.TemporalQuery) ([]models.AttributeInstance, error) {
	sql := `
		SELECT id, temporal_entity_attribute, observed_at, measured_value, value
		FROM attribute_instances
		WHERE temporal_entity_attribute = $1
	`
	args := []any{id}

	switch query.Timerel {
	case models.TimerelBefore:
		sql += " AND observed_at < $2"
		args = append(args, query.Time)
	case models.TimerelAfter:
		sql += " AND observed_at > $2"
		args = append(args, query.Time)
	case models.TimerelBetween:
		sql += " AND observed_at >= $2 AND observed_at <= $3"
		args = append(args, query.Time, *query.EndTime)
	}
	sql += " ORDER BY observed_at ASC"

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search attribute instances: %w", err)
	}
	defer rows.Close()

	var instances []models.AttributeInstance
	for rows.Next() {
		var instance models.AttributeInstance
		var valueJSON []byte
		if err := rows.Scan(
			&instance.ID,
			&instance.TemporalEntityAttribute,
			&instance.ObservedAt,
			&instance.MeasuredValue,
			&valueJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attribute instance: %w", err)
		}
		if len(valueJSON) > 0 {
			var value models.Value
			if err := json.Unmarshal(valueJSON, &value); err != nil {
				return nil, fmt.Errorf("failed to unmarshal instance value: %w", err)
			}
			instance.Value = &value
		}
		instances = append(instances, instance)
	}
	return instances, rows.Err()
}

func (s *TemporalPostgresStore) DeleteForEntity(ctx context.Context, entityID string) error {
	// attribute_instances go with their temporal attribute via ON DELETE CASCADE
	_, err := s.pool.Exec(ctx,
		`DELETE FROM temporal_entity_attributes WHERE entity_id = $1`, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete temporal attributes: %w", err)
	}
	return nil
}

func (s *TemporalPostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *TemporalPostgresStore) Close() error {
	return nil
}

var _ store.TemporalStore = (*TemporalPostgresStore)(nil)
