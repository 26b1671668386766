// Package bolt provides a bbolt-backed persistence backend. Rows are stored
// as JSON values under big-endian id keys, so a cursor walk yields them in
// id order without a sort.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"geocore/pkg/domain"
)

// Compile-time contract assertion ensuring bolt.Store satisfies the domain backend.
var _ domain.Backend = (*Store)(nil)

const (
	bucketFeatures = "features"
	bucketResults  = "results"
)

// Store persists rows to a single bbolt database file.
type Store struct {
	db   *bolt.DB
	path string
}

// NewStore opens (creating if needed) the database at path and ensures both
// buckets exist.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "geocore.bolt"
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketFeatures)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketResults)); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }

func itob(id int64) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(id))
	return key[:]
}

type featureRecord struct {
	ID         int64           `json:"feature_id"`
	Properties json.RawMessage `json:"properties"`
	Geometry   []byte          `json:"geometry"`
	SRID       int             `json:"srid"`
}

type resultRecord struct {
	ID          int64           `json:"result_id"`
	Operation   string          `json:"operation_type"`
	SourceIDs   []int64         `json:"source_feature_ids"`
	Parameters  json.RawMessage `json:"parameters"`
	Description string          `json:"description"`
	Geometry    []byte          `json:"geometry"`
	Properties  json.RawMessage `json:"properties"`
	SRID        int             `json:"srid"`
	CreatedAt   time.Time       `json:"created_at"`
}

func encodeFeature(row domain.StoredFeature) ([]byte, error) {
	return json.Marshal(featureRecord{
		ID:         row.ID,
		Properties: json.RawMessage(row.Properties),
		Geometry:   row.Geometry,
		SRID:       row.SRID,
	})
}

func decodeFeature(data []byte) (domain.StoredFeature, error) {
	var rec featureRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.StoredFeature{}, err
	}
	return domain.StoredFeature{
		ID:         rec.ID,
		Properties: []byte(rec.Properties),
		Geometry:   rec.Geometry,
		SRID:       rec.SRID,
	}, nil
}

func encodeResult(row domain.StoredResult) ([]byte, error) {
	return json.Marshal(resultRecord{
		ID:          row.ID,
		Operation:   row.Operation,
		SourceIDs:   row.SourceIDs,
		Parameters:  json.RawMessage(row.Parameters),
		Description: row.Description,
		Geometry:    row.Geometry,
		Properties:  json.RawMessage(row.Properties),
		SRID:        row.SRID,
		CreatedAt:   row.CreatedAt,
	})
}

func decodeResult(data []byte) (domain.StoredResult, error) {
	var rec resultRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.StoredResult{}, err
	}
	return domain.StoredResult{
		ID:          rec.ID,
		Operation:   rec.Operation,
		SourceIDs:   rec.SourceIDs,
		Parameters:  []byte(rec.Parameters),
		Description: rec.Description,
		Geometry:    rec.Geometry,
		Properties:  []byte(rec.Properties),
		SRID:        rec.SRID,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// LoadFeatures returns all feature rows ordered by id.
func (s *Store) LoadFeatures(_ context.Context) ([]domain.StoredFeature, error) {
	var out []domain.StoredFeature
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketFeatures)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			row, err := decodeFeature(v)
			if err != nil {
				return fmt.Errorf("decode feature: %w", err)
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, domain.PersistenceError{Op: "load features", Err: err}
	}
	return out, nil
}

// ReplaceFeatures rewrites the features bucket with the provided rows in one
// transaction.
func (s *Store) ReplaceFeatures(_ context.Context, rows []domain.StoredFeature) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketFeatures)); err != nil {
			return fmt.Errorf("drop bucket: %w", err)
		}
		b, err := tx.CreateBucket([]byte(bucketFeatures))
		if err != nil {
			return fmt.Errorf("recreate bucket: %w", err)
		}
		for _, row := range rows {
			data, err := encodeFeature(row)
			if err != nil {
				return fmt.Errorf("encode feature %d: %w", row.ID, err)
			}
			if err := b.Put(itob(row.ID), data); err != nil {
				return fmt.Errorf("put feature %d: %w", row.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.PersistenceError{Op: "replace features", Err: err}
	}
	return nil
}

// UpdateFeature rewrites a single feature row by id.
func (s *Store) UpdateFeature(_ context.Context, row domain.StoredFeature) error {
	var notFound bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFeatures))
		if b.Get(itob(row.ID)) == nil {
			notFound = true
			return nil
		}
		data, err := encodeFeature(row)
		if err != nil {
			return fmt.Errorf("encode feature %d: %w", row.ID, err)
		}
		return b.Put(itob(row.ID), data)
	})
	if err != nil {
		return domain.PersistenceError{Op: fmt.Sprintf("update feature %d", row.ID), Err: err}
	}
	if notFound {
		return domain.NotFoundError{Entity: domain.EntityFeature, ID: row.ID}
	}
	return nil
}

// AppendResults inserts the batch in one transaction, assigning ids from the
// bucket sequence, and returns them in input order.
func (s *Store) AppendResults(_ context.Context, rows []domain.StoredResult) ([]int64, error) {
	ids := make([]int64, 0, len(rows))
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketResults))
		for _, row := range rows {
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			row.ID = int64(seq)
			data, err := encodeResult(row)
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if err := b.Put(itob(row.ID), data); err != nil {
				return fmt.Errorf("put result %d: %w", row.ID, err)
			}
			ids = append(ids, row.ID)
		}
		return nil
	})
	if err != nil {
		return nil, domain.PersistenceError{Op: "append results", Err: err}
	}
	return ids, nil
}

// ListResults returns catalog rows matching the filter, newest first.
func (s *Store) ListResults(_ context.Context, filter domain.ResultFilter) ([]domain.StoredResult, error) {
	var out []domain.StoredResult
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketResults)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			row, err := decodeResult(v)
			if err != nil {
				return fmt.Errorf("decode result: %w", err)
			}
			if filter.ResultID != nil && row.ID != *filter.ResultID {
				continue
			}
			if filter.Operation != nil && row.Operation != *filter.Operation {
				continue
			}
			out = append(out, row)
		}
		return nil
	})
	if err != nil {
		return nil, domain.PersistenceError{Op: "list results", Err: err}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// DeleteResult removes one catalog row, reporting whether it existed.
func (s *Store) DeleteResult(_ context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketResults))
		if b.Get(itob(id)) == nil {
			return nil
		}
		if err := b.Delete(itob(id)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	if err != nil {
		return false, domain.PersistenceError{Op: fmt.Sprintf("delete result %d", id), Err: err}
	}
	return deleted, nil
}
