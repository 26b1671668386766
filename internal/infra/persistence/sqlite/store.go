// Package sqlite provides a SQLite-backed persistence backend suitable for
// single-process deployments. Geometry rows are stored as WKB blobs and JSON
// documents as TEXT, so no loadable extension is required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"geocore/internal/infra/persistence/schema"
	"geocore/pkg/domain"
)

// Compile-time contract assertion ensuring sqlite.Store satisfies the domain backend.
var _ domain.Backend = (*Store)(nil)

const defaultPath = "geocore.db"

// Fixed-width UTC timestamp layout. Lexicographic order of stored values
// matches chronological order, which the created_at index relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists rows to a single SQLite database file.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path and applies the
// embedded DDL bundle. An empty path falls back to a file in the working
// directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = defaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema.Statements(schema.SQLite) {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply ddl: %w", err)
		}
	}
	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

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
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO features(feature_id, properties, geometry, srid) VALUES(?,?,?,?)`,
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
		`UPDATE features SET properties = ?, geometry = ?, srid = ? WHERE feature_id = ?`,
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
		res, err := tx.ExecContext(ctx,
			`INSERT INTO analysis_results(operation_type, source_feature_ids, parameters, description, geometry, properties, srid, created_at)
			 VALUES(?,?,?,?,?,?,?,?)`,
			row.Operation, string(sourceIDs), string(row.Parameters), row.Description,
			row.Geometry, string(row.Properties), row.SRID, row.CreatedAt.UTC().Format(timeLayout),
		)
		if err != nil {
			return nil, domain.PersistenceError{Op: "insert result", Err: err}
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, domain.PersistenceError{Op: "result id", Err: err}
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
		clauses = append(clauses, `result_id = ?`)
		args = append(args, *filter.ResultID)
	}
	if filter.Operation != nil {
		clauses = append(clauses, `operation_type = ?`)
		args = append(args, *filter.Operation)
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
			createdAt string
		)
		if err := rows.Scan(&row.ID, &row.Operation, &sourceIDs, &row.Parameters, &row.Description,
			&row.Geometry, &row.Properties, &row.SRID, &createdAt); err != nil {
			return nil, domain.PersistenceError{Op: "scan result", Err: err}
		}
		if len(sourceIDs) > 0 {
			if err := json.Unmarshal(sourceIDs, &row.SourceIDs); err != nil {
				return nil, domain.PersistenceError{Op: "decode source ids", Err: err}
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, domain.PersistenceError{Op: "parse created_at", Err: err}
		}
		row.CreatedAt = ts
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.PersistenceError{Op: "iterate results", Err: err}
	}
	return out, nil
}

// DeleteResult removes one catalog row, reporting whether it existed.
func (s *Store) DeleteResult(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM analysis_results WHERE result_id = ?`, id)
	if err != nil {
		return false, domain.PersistenceError{Op: fmt.Sprintf("delete result %d", id), Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, domain.PersistenceError{Op: "delete result rows affected", Err: err}
	}
	return affected > 0, nil
}
