// Package postgres implements the entity and temporal stores on PostgreSQL
// via pgx. Attribute graphs are persisted through an explicit record mapping
// (see mapping.go), never by reflection.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sumandas0/contextd/internal/models"
	"github.com/sumandas0/contextd/internal/store"
	"github.com/sumandas0/contextd/pkg/utils"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateEntity(ctx context.Context, entity *models.Entity) error {
	attributesJSON, err := marshalAttributes(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	propsJSON, err := marshalProps(entity)
	if err != nil {
		return fmt.Errorf("failed to marshal props: %w", err)
	}

	query := `
		INSERT INTO entities (id, types, attributes, props, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = s.pool.Exec(ctx, query,
		entity.ID,
		entity.Types,
		attributesJSON,
		propsJSON,
		entity.CreatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			return utils.NewAppError(utils.CodeAlreadyExists, "entity already exists", err).
				WithDetail("id", entity.ID)
		}
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	query := `
		SELECT id, types, attributes, created_at
		FROM entities
		WHERE id = $1
	`

	var entity models.Entity
	var attributesJSON []byte

	err := s.pool.QueryRow(ctx, query, id).Scan(
		&entity.ID,
		&entity.Types,
		&attributesJSON,
		&entity.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, utils.NewAppError(utils.CodeNotFound, "entity not found", err).
				WithDetail("id", id)
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}

	entity.Attributes, err = unmarshalAttributes(attributesJSON)
	if err != nil {
		return nil, err
	}
	return &entity, nil
}

// QueryEntities translates the predicate list into a jsonb filter over the
// props document. Result order is store order (insertion sequence).
func (s *PostgresStore) QueryEntities(ctx context.Context, query models.EntityQuery) ([]string, error) {
	sql := "SELECT id FROM entities"
	var conditions []string
	var args []any

	if query.Type != "" {
		args = append(args, query.Type)
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(types)", len(args)))
	}

	for _, predicate := range query.Predicates {
		condition, predicateArgs := translatePredicate(predicate, len(args))
		conditions = append(conditions, condition)
		args = append(args, predicateArgs...)
	}

	if len(conditions) > 0 {
		sql += " WHERE " + strings.Join(conditions, " AND ")
	}
	sql += " ORDER BY seq"

	if query.Limit > 0 {
		args = append(args, query.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if query.Offset > 0 {
		args = append(args, query.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// translatePredicate compiles one predicate triple to SQL. Numeric literals
// compare numerically when the stored value is numeric, lexically otherwise;
// <> additionally matches entities where the attribute is absent.
func translatePredicate(p models.Predicate, argOffset int) (string, []any) {
	op := string(p.Op)

	nameArg := argOffset + 1
	litArg := argOffset + 2

	var comparison string
	var args []any
	if numericLiteral, err := strconv.ParseFloat(p.Literal, 64); err == nil {
		numArg := argOffset + 3
		comparison = fmt.Sprintf(
			`CASE WHEN props->$%d->>'n' IS NOT NULL
			      THEN (props->$%d->>'n')::float8 %s $%d
			      ELSE props->$%d->>'s' %s $%d
			 END`,
			nameArg, nameArg, op, numArg, nameArg, op, litArg)
		args = []any{p.Attribute, p.Literal, numericLiteral}
	} else {
		comparison = fmt.Sprintf("props->$%d->>'s' %s $%d", nameArg, op, litArg)
		args = []any{p.Attribute, p.Literal}
	}

	if p.Op == models.OpNotEqual {
		// absence counts as not-equal
		return fmt.Sprintf("(NOT props ? $%d OR (%s))", nameArg, comparison), args
	}
	return fmt.Sprintf("(props ? $%d AND (%s))", nameArg, comparison), args
}

func (s *PostgresStore) UpdateEntity(ctx context.Context, id string, frags map[string]models.Fragment, now time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var entity models.Entity
	var attributesJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT id, types, attributes, created_at FROM entities WHERE id = $1 FOR UPDATE`, id).
		Scan(&entity.ID, &entity.Types, &attributesJSON, &entity.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return utils.NewAppError(utils.CodeNotFound, "entity not found", err).
				WithDetail("id", id)
		}
		return fmt.Errorf("failed to load entity for update: %w", err)
	}

	entity.Attributes, err = unmarshalAttributes(attributesJSON)
	if err != nil {
		return err
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

	updatedAttributes, err := marshalAttributes(&entity)
	if err != nil {
		return fmt.Errorf("failed to marshal attributes: %w", err)
	}
	updatedProps, err := marshalProps(&entity)
	if err != nil {
		return fmt.Errorf("failed to marshal props: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE entities SET attributes = $1, props = $2 WHERE id = $3`,
		updatedAttributes, updatedProps, id)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, id string) (int, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var attributesJSON []byte
	err = tx.QueryRow(ctx, `SELECT attributes FROM entities WHERE id = $1 FOR UPDATE`, id).
		Scan(&attributesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load entity for delete: %w", err)
	}

	attrs, err := unmarshalAttributes(attributesJSON)
	if err != nil {
		return 0, err
	}
	entity := models.Entity{ID: id, Attributes: attrs}
	removed := entity.NodeCount()

	if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id); err != nil {
		return 0, fmt.Errorf("failed to delete entity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, typeLabel string, limit, offset int) ([]*models.Entity, error) {
	sql := `SELECT id, types, attributes, created_at FROM entities`
	var args []any
	if typeLabel != "" {
		args = append(args, typeLabel)
		sql += " WHERE $1 = ANY(types)"
	}
	sql += " ORDER BY seq"
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		var entity models.Entity
		var attributesJSON []byte
		if err := rows.Scan(&entity.ID, &entity.Types, &attributesJSON, &entity.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entity.Attributes, err = unmarshalAttributes(attributesJSON)
		if err != nil {
			return nil, err
		}
		entities = append(entities, &entity)
	}
	return entities, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetPool returns the connection pool for migrations.
func (s *PostgresStore) GetPool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ store.EntityStore = (*PostgresStore)(nil)
