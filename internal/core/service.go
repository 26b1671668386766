// Package core implements the feature store and the spatial analysis engine
// on top of a pluggable persistence backend. The Service facade wires the
// two together with bounded concurrency, structured logging, metrics,
// tracing, and audit seams.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"geocore/internal/crs"
	"geocore/internal/geometry"
	"geocore/pkg/domain"
)

// Operation names used in logs, metrics, traces, and audit entries.
const (
	opAddFeature        = "add_feature"
	opUpdateFeature     = "update_feature"
	opDeleteFeature     = "delete_feature"
	opListFeatures      = "list_features"
	opReproject         = "reproject"
	opBuffer            = "buffer"
	opIntersect         = "intersect"
	opClip              = "clip"
	opUnion             = "union"
	opSimplify          = "simplify"
	opDissolve          = "dissolve"
	opSpatialJoin       = "spatial_join"
	opNearestNeighbor   = "nearest_neighbor"
	opSummaryStatistics = "summary_statistics"
	opListResults       = "list_results"
	opDeleteResult      = "delete_result"
)

// Service exposes feature lifecycle and analysis operations over one
// backend. All operations reload the working set first, so separate Service
// instances sharing a backend observe each other's writes.
type Service struct {
	store   *FeatureStore
	backend domain.Backend
	pool    *WorkerPool
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	nowFn   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a logger. The default discards everything.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder installs an audit recorder for mutating operations.
func WithAuditRecorder(a AuditRecorder) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithWorkers sets the computation pool size.
func WithWorkers(n int) Option {
	return func(s *Service) {
		s.pool = NewWorkerPool(n)
	}
}

// WithClock overrides the timestamp source for catalog rows and audit
// entries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewService builds a service over the backend.
func NewService(backend domain.Backend, opts ...Option) *Service {
	s := &Service{
		store:   NewFeatureStore(backend),
		backend: backend,
		pool:    NewWorkerPool(DefaultWorkers),
		logger:  noopLogger{},
		metrics: noopMetrics{},
		tracer:  noopTracer{},
		audit:   noopAudit{},
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store exposes the underlying feature store.
func (s *Service) Store() *FeatureStore {
	return s.store
}

// observe dispatches fn through the worker pool and emits the span, metric,
// and log record for the operation.
func (s *Service) observe(ctx context.Context, operation string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, operation)
	err := s.pool.Do(ctx, func() error { return fn(ctx) })
	duration := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, operation, err == nil, duration)
	if err != nil {
		s.logger.Error("operation failed", "operation", operation, "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", operation, "duration_ms", float64(duration)/float64(time.Millisecond))
	}
	return err
}

func (s *Service) recordAudit(ctx context.Context, operation string, entity domain.EntityType, entityID int64, err error) {
	entry := AuditEntry{
		ID:         newAuditID(),
		Operation:  operation,
		Status:     AuditStatusSuccess,
		EntityType: entity,
		EntityID:   entityID,
		OccurredAt: s.nowFn().UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// AddFeature parses, validates, and stores a new feature, returning it with
// its assigned id and the validation outcome.
func (s *Service) AddFeature(ctx context.Context, input geometry.GeometryInput, props map[string]any, fixTopology bool) (domain.Feature, geometry.Repair, error) {
	var (
		feature domain.Feature
		rep     geometry.Repair
	)
	err := s.observe(ctx, opAddFeature, func(ctx context.Context) error {
		var err error
		feature, rep, err = s.store.Add(ctx, input, props, fixTopology)
		return err
	})
	if err == nil && rep.Status == geometry.RepairRepaired {
		s.logger.Warn("geometry repaired on add", "feature_id", feature.ID, "reason", rep.Reason)
	}
	s.recordAudit(ctx, opAddFeature, domain.EntityFeature, feature.ID, err)
	return feature, rep, err
}

// UpdateFeature rewrites the geometry and/or properties of one feature.
func (s *Service) UpdateFeature(ctx context.Context, id int64, input *geometry.GeometryInput, props map[string]any, fixTopology bool) (domain.Feature, geometry.Repair, error) {
	var (
		feature domain.Feature
		rep     geometry.Repair
	)
	err := s.observe(ctx, opUpdateFeature, func(ctx context.Context) error {
		var err error
		feature, rep, err = s.store.Update(ctx, id, input, props, fixTopology)
		return err
	})
	if err == nil && rep.Status == geometry.RepairRepaired {
		s.logger.Warn("geometry repaired on update", "feature_id", id, "reason", rep.Reason)
	}
	s.recordAudit(ctx, opUpdateFeature, domain.EntityFeature, id, err)
	return feature, rep, err
}

// DeleteFeature removes one feature, reporting whether it existed.
func (s *Service) DeleteFeature(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := s.observe(ctx, opDeleteFeature, func(ctx context.Context) error {
		var err error
		removed, err = s.store.Delete(ctx, id)
		return err
	})
	s.recordAudit(ctx, opDeleteFeature, domain.EntityFeature, id, err)
	return removed, err
}

// Features returns the live working set ordered by id.
func (s *Service) Features(ctx context.Context) ([]domain.Feature, error) {
	var out []domain.Feature
	err := s.observe(ctx, opListFeatures, func(ctx context.Context) error {
		var err error
		out, err = s.store.Features(ctx)
		return err
	})
	return out, err
}

// FeatureCollection returns the live working set as GeoJSON interchange.
func (s *Service) FeatureCollection(ctx context.Context) (domain.FeatureCollection, error) {
	features, err := s.Features(ctx)
	if err != nil {
		return domain.FeatureCollection{}, err
	}
	return domain.NewFeatureCollection(features), nil
}

// Reproject returns the working set transformed to the target CRS. The
// transformation is a view: nothing durable changes and the next load
// observes canonical coordinates again.
func (s *Service) Reproject(ctx context.Context, crsIdentifier string) ([]domain.Feature, error) {
	var out []domain.Feature
	err := s.observe(ctx, opReproject, func(ctx context.Context) error {
		srid, err := crs.Parse(crsIdentifier)
		if err != nil {
			return err
		}
		if !crs.IsSupported(srid) {
			return domain.ParameterError{Name: "crs", Reason: fmt.Sprintf("unsupported srid %d", srid)}
		}
		features, err := s.store.Features(ctx)
		if err != nil {
			return err
		}
		out = make([]domain.Feature, 0, len(features))
		for _, f := range features {
			g, err := crs.Transform(f.Geometry, crs.CanonicalSRID, srid)
			if err != nil {
				return err
			}
			f = f.Clone()
			f.Geometry = g
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

// AnalysisResults lists catalog rows matching the query, newest first.
func (s *Service) AnalysisResults(ctx context.Context, q ResultQuery) ([]domain.AnalysisResult, error) {
	var out []domain.AnalysisResult
	err := s.observe(ctx, opListResults, func(ctx context.Context) error {
		filter := domain.ResultFilter{ResultID: q.ResultID}
		if q.Operation != nil {
			op := string(*q.Operation)
			filter.Operation = &op
		}
		rows, err := s.backend.ListResults(ctx, filter)
		if err != nil {
			return err
		}
		out = make([]domain.AnalysisResult, 0, len(rows))
		for _, row := range rows {
			r, err := decodeStoredResult(row)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// AnalysisResult returns one catalog row by id.
func (s *Service) AnalysisResult(ctx context.Context, id int64) (domain.AnalysisResult, error) {
	results, err := s.AnalysisResults(ctx, ResultQuery{ResultID: &id})
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if len(results) == 0 {
		return domain.AnalysisResult{}, domain.NotFoundError{Entity: domain.EntityAnalysisResult, ID: id}
	}
	return results[0], nil
}

// DeleteAnalysisResult removes one catalog row, reporting whether it
// existed.
func (s *Service) DeleteAnalysisResult(ctx context.Context, id int64) (bool, error) {
	var removed bool
	err := s.observe(ctx, opDeleteResult, func(ctx context.Context) error {
		var err error
		removed, err = s.backend.DeleteResult(ctx, id)
		return err
	})
	s.recordAudit(ctx, opDeleteResult, domain.EntityAnalysisResult, id, err)
	return removed, err
}

// appendBatch persists derived rows in one transaction and returns them
// with assigned ids and timestamps. An empty batch writes nothing and
// reports a zero ResultID.
func (s *Service) appendBatch(ctx context.Context, rows []domain.AnalysisResult) (AnalysisOutput, error) {
	if len(rows) == 0 {
		return AnalysisOutput{Results: []domain.AnalysisResult{}}, nil
	}
	now := s.nowFn().UTC()
	stored := make([]domain.StoredResult, 0, len(rows))
	for i := range rows {
		rows[i].CreatedAt = now
		row, err := encodeResult(rows[i])
		if err != nil {
			return AnalysisOutput{}, err
		}
		stored = append(stored, row)
	}
	ids, err := s.backend.AppendResults(ctx, stored)
	if err != nil {
		return AnalysisOutput{}, err
	}
	for i := range rows {
		rows[i].ID = ids[i]
	}
	return AnalysisOutput{ResultID: ids[len(ids)-1], Results: rows}, nil
}

func encodeResult(r domain.AnalysisResult) (domain.StoredResult, error) {
	params, err := marshalMapping(r.Parameters)
	if err != nil {
		return domain.StoredResult{}, domain.ParameterError{Name: "parameters", Reason: err.Error()}
	}
	props, err := marshalMapping(r.Properties)
	if err != nil {
		return domain.StoredResult{}, domain.ParameterError{Name: "properties", Reason: err.Error()}
	}
	return domain.StoredResult{
		ID:          r.ID,
		Operation:   string(r.Operation),
		SourceIDs:   append([]int64(nil), r.SourceFeatureIDs...),
		Parameters:  params,
		Description: r.Description,
		Geometry:    geometry.EncodeWKB(r.Geometry),
		Properties:  props,
		SRID:        crs.CanonicalSRID,
		CreatedAt:   r.CreatedAt,
	}, nil
}

func marshalMapping(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func decodeStoredResult(row domain.StoredResult) (domain.AnalysisResult, error) {
	g, err := geometry.DecodeWKB(row.Geometry)
	if err != nil {
		return domain.AnalysisResult{}, domain.PersistenceError{Op: "decode result geometry", Err: err}
	}
	if row.SRID != 0 && row.SRID != crs.CanonicalSRID {
		g, err = crs.Transform(g, row.SRID, crs.CanonicalSRID)
		if err != nil {
			return domain.AnalysisResult{}, err
		}
	}
	return domain.AnalysisResult{
		ID:               row.ID,
		Operation:        domain.OperationType(row.Operation),
		SourceFeatureIDs: append([]int64(nil), row.SourceIDs...),
		Parameters:       decodeProperties(row.Parameters),
		Description:      row.Description,
		Geometry:         g,
		Properties:       decodeProperties(row.Properties),
		CreatedAt:        row.CreatedAt,
	}, nil
}
