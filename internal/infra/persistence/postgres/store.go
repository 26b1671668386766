// Package postgres provides a PostgreSQL-backed persistence backend. It
// applies the embedded DDL bundle on startup and stores geometry as WKB
// bytea, so it works against a stock server without PostGIS.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"geocore/internal/infra/persistence/schema"
	"geocore/pkg/domain"
)

// Compile-time contract assertion ensuring postgres.Store satisfies the domain backend.
var _ domain.Backend = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with the storage factory defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/geocore?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists rows to PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore opens a PostgreSQL-backed store using the provided DSN (falls
// back to defaultDSN), verifies connectivity, and applies the embedded DDL.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, stmt := range schema.Statements(schema.Postgres) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

// LoadFeatures returns all feature rows ordered by id.
func (s *Store) LoadFeatures(ctx context.Context) ([]domain.StoredFeature, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT feature_id, properties, geometry, srid FROM features ORDER BY feature_id`)
	if err != nil {
		return nil, domain.PersistenceError{Op: "load features", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.StoredFeature
	for rows.Next() {
		var row domain.StoredFeature
		if err := rows.Scan(&row.ID, &row.Properties, &row.Geometry, &row.SRID); err != nil {
			return nil, domain.PersistenceError{Op: "scan feature", Err: err}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError{Op: "iterate features", Err: err}
	}
	return out, nil
}

// ReplaceFeatures rewrites the features table with the provided rows in one
// transaction.
func (s *Store) ReplaceFeatures(ctx context.Context, rows []domain.StoredFeature) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PersistenceError{Op: "begin replace", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, `DELETE FROM features`); err != nil {
		return domain.PersistenceError{Op: "clear features", Err: err}
	}
	for _, row := range rows {
		// JSON documents are passed as text with an explicit cast; the pgx
		// stdlib driver would otherwise bind []byte as bytea.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO features(feature_id, properties, geometry, srid) VALUES($1, $2::jsonb, $3, $4)`,
			row.ID, string(row.Properties), row.Geometry, row.SRID,
		); err != nil {
			return domain.PersistenceError{Op: fmt.Sprintf("insert feature %d", row.ID), Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PersistenceError{Op: "commit replace", Err: err}
	}
	committed = true
	return nil
}

// UpdateFeature rewrites a single feature row by id.
func (s *Store) UpdateFeature(ctx context.Context, row domain.StoredFeature) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE features SET properties = $1::jsonb, geometry = $2, srid = $3 WHERE feature_id = $4`,
		string(row.Properties), row.Geometry, row.SRID, row.ID,
	)
	if err != nil {
		return domain.PersistenceError{Op: fmt.Sprintf("update feature %d", row.ID), Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.PersistenceError{Op: "update feature rows affected", Err: err}
	}
	if affected == 0 {
		return domain.NotFoundError{Entity: domain.EntityFeature, ID: row.ID}
	}
	return nil
}

// AppendResults inserts the batch in one transaction and returns the
// assigned result ids in input order.
func (s *Store) AppendResults(ctx context.Context, rows []domain.StoredResult) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.PersistenceError{Op: "begin append", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		sourceIDs, err := json.Marshal(row.SourceIDs)
		if err != nil {
			return nil, domain.PersistenceError{Op: "encode source ids", Err: err}
		}
		var id int64
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO analysis_results(operation_type, source_feature_ids, parameters, description, geometry, properties, srid, created_at)
			 VALUES($1, $2::jsonb, $3::jsonb, $4, $5, $6::jsonb, $7, $8)
			 RETURNING result_id`,
			row.Operation, string(sourceIDs), string(row.Parameters), row.Description,
			row.Geometry, string(row.Properties), row.SRID, row.CreatedAt.UTC(),
		).Scan(&id); err != nil {
			return nil, domain.PersistenceError{Op: "insert result", Err: err}
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.PersistenceError{Op: "commit append", Err: err}
	}
	committed = true
	return ids, nil
}

// ListResults returns catalog rows matching the filter, newest first.
func (s *Store) ListResults(ctx context.Context, filter domain.ResultFilter) ([]domain.StoredResult, error) {
	query := `SELECT result_id, operation_type, source_feature_ids, parameters, description, geometry, properties, srid, created_at FROM analysis_results`
	var (
		clauses []string
		args    []any
	)
	if filter.ResultID != nil {
		args = append(args, *filter.ResultID)
		clauses = append(clauses, fmt.Sprintf(`result_id = $%d`, len(args)))
	}
	if filter.Operation != nil {
		args = append(args, *filter.Operation)
		clauses = append(clauses, fmt.Sprintf(`operation_type = $%d`, len(args)))
	}
	for i, clause := range clauses {
		if i == 0 {
			query += ` WHERE ` + clause
		} else {
			query += ` AND ` + clause
		}
	}
	query += ` ORDER BY created_at DESC, result_id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.PersistenceError{Op: "list results", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []domain.StoredResult
	for rows.Next() {
		var (
			row       domain.StoredResult
			sourceIDs []byte
		)
		if err := rows.Scan(&row.ID, &row.Operation, &sourceIDs, &row.Parameters, &row.Description,
			&row.Geometry, &row.Properties, &row.SRID, &row.CreatedAt); err != nil {
			return nil, domain.PersistenceError{Op: "scan result", Err: err}
		}
		if len(sourceIDs) > 0 {
			if err := json.Unmarshal(sourceIDs, &row.SourceIDs); err != nil {
				return nil, domain.PersistenceError{Op: "decode source ids", Err: err}
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError{Op: "iterate results", Err: err}
	}
	return out, nil
}

// DeleteResult removes one catalog row, reporting whether it existed.
func (s *Store) DeleteResult(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_results WHERE result_id = $1`, id)
	if err != nil {
		return false, domain.PersistenceError{Op: fmt.Sprintf("delete result %d", id), Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.PersistenceError{Op: "delete result rows affected", Err: err}
	}
	return affected > 0, nil
}
