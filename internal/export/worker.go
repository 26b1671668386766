// Package export renders snapshots of the feature store and the analysis
// catalog into blob artifacts. Jobs run asynchronously on a single worker
// goroutine; callers poll job records for status and artifact locations.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"geocore/internal/blob"
	"geocore/internal/core"
	"geocore/pkg/domain"
)

// Status describes the lifecycle stage of an export job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Kind selects what an export job snapshots.
type Kind string

const (
	KindFeatures Kind = "features" // the live feature set
	KindResults  Kind = "results"  // analysis catalog rows
)

// Valid reports whether the kind is one of the known snapshot targets.
func (k Kind) Valid() bool { return k == KindFeatures || k == KindResults }

// Format selects an artifact encoding.
type Format string

const (
	FormatGeoJSON Format = "geojson"
	FormatCSV     Format = "csv"
)

// Valid reports whether the format is supported.
func (f Format) Valid() bool { return f == FormatGeoJSON || f == FormatCSV }

func (f Format) contentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/geo+json"
}

func (f Format) extension() string { return string(f) }

// Artifact locates one stored export output.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record tracks an export job and its resulting artifacts.
type Record struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	Formats     []Format         `json:"formats"`
	Query       core.ResultQuery `json:"query"`
	Status      Status           `json:"status"`
	Error       string           `json:"error,omitempty"`
	Artifacts   []Artifact       `json:"artifacts,omitempty"`
	RequestedBy string           `json:"requested_by,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (r Record) clone() Record {
	dup := r
	dup.Formats = append([]Format(nil), r.Formats...)
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	return dup
}

// Request enqueues one export job.
type Request struct {
	Kind        Kind
	Formats     []Format         // default: geojson + csv
	Query       core.ResultQuery // results kind only
	RequestedBy string
	Reason      string
}

const defaultQueueDepth = 32

const entityExport = domain.EntityType("export")

// Worker executes export jobs asynchronously. Job records live in memory
// for the lifetime of the worker; artifacts outlive it in the blob store.
type Worker struct {
	svc    *core.Service
	store  blob.Store
	audit  core.AuditRecorder
	logger core.Logger

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts worker construction.
type Option func(*Worker)

// WithAuditRecorder routes job lifecycle entries to the given recorder.
func WithAuditRecorder(a core.AuditRecorder) Option {
	return func(w *Worker) {
		if a != nil {
			w.audit = a
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithQueueDepth overrides the pending-job buffer size.
func WithQueueDepth(n int) Option {
	return func(w *Worker) {
		if n >= 0 {
			w.queue = make(chan string, n)
		}
	}
}

// NewWorker constructs an export worker over the service and blob store.
func NewWorker(svc *core.Service, store blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		svc:    svc,
		store:  store,
		audit:  core.NopAuditRecorder(),
		logger: core.NopLogger(),
		queue:  make(chan string, defaultQueueDepth),
		jobs:   make(map[string]*Record),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing queued jobs.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop halts the worker and waits for the in-flight job, if any.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.process(id)
		}
	}
}

// Enqueue schedules an export job and returns the queued record. A full
// queue fails the job immediately so the record reflects the rejection.
func (w *Worker) Enqueue(ctx context.Context, req Request) (Record, error) {
	if !req.Kind.Valid() {
		return Record{}, fmt.Errorf("unknown export kind %q", req.Kind)
	}
	formats := req.Formats
	if len(formats) == 0 {
		formats = []Format{FormatGeoJSON, FormatCSV}
	}
	uniq := make([]Format, 0, len(formats))
	seen := make(map[Format]struct{})
	for _, f := range formats {
		if _, dup := seen[f]; dup {
			continue
		}
		if !f.Valid() {
			return Record{}, fmt.Errorf("unsupported export format %q", f)
		}
		uniq = append(uniq, f)
		seen[f] = struct{}{}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	record := Record{
		ID:          id,
		Kind:        req.Kind,
		Formats:     uniq,
		Query:       req.Query,
		Status:      StatusQueued,
		RequestedBy: req.RequestedBy,
		Reason:      req.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.mu.Lock()
	w.jobs[id] = &record
	queued := record.clone()
	w.mu.Unlock()

	w.recordAudit(ctx, record, StatusQueued, "")

	select {
	case w.queue <- id:
	default:
		w.fail(id, "export queue full")
		return Record{}, fmt.Errorf("export queue full")
	}
	return queued, nil
}

// Get returns a snapshot of the job record.
func (w *Worker) Get(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.clone(), true
}

// Jobs returns snapshots of every known job, oldest first.
func (w *Worker) Jobs() []Record {
	w.mu.RLock()
	out := make([]Record, 0, len(w.jobs))
	for _, record := range w.jobs {
		out = append(out, record.clone())
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (w *Worker) process(id string) {
	record, ok := w.Get(id)
	if !ok {
		return
	}
	w.setStatus(id, StatusRunning)

	outputs, err := w.render(record)
	if err != nil {
		w.fail(id, err.Error())
		return
	}

	artifacts := make([]Artifact, 0, len(outputs))
	for _, out := range outputs {
		artifact, err := w.storeArtifact(record, out)
		if err != nil {
			w.fail(id, fmt.Sprintf("store artifact: %v", err))
			return
		}
		artifacts = append(artifacts, artifact)
	}
	w.complete(id, artifacts)
}

type output struct {
	format  Format
	payload []byte
	rows    int
}

func (w *Worker) render(record Record) ([]output, error) {
	switch record.Kind {
	case KindFeatures:
		features, err := w.svc.Features(w.ctx)
		if err != nil {
			return nil, fmt.Errorf("load features: %w", err)
		}
		return renderOutputs(record.Formats, len(features),
			func() ([]byte, error) { return json.Marshal(domain.NewFeatureCollection(features)) },
			func() ([]byte, error) { return featuresCSV(features) })
	case KindResults:
		results, err := w.svc.AnalysisResults(w.ctx, record.Query)
		if err != nil {
			return nil, fmt.Errorf("load results: %w", err)
		}
		return renderOutputs(record.Formats, len(results),
			func() ([]byte, error) { return json.Marshal(domain.NewResultCollection(results)) },
			func() ([]byte, error) { return resultsCSV(results) })
	default:
		return nil, fmt.Errorf("unknown export kind %q", record.Kind)
	}
}

func renderOutputs(formats []Format, rows int, geoJSON, csvPayload func() ([]byte, error)) ([]output, error) {
	outputs := make([]output, 0, len(formats))
	for _, f := range formats {
		var payload []byte
		var err error
		switch f {
		case FormatGeoJSON:
			payload, err = geoJSON()
		case FormatCSV:
			payload, err = csvPayload()
		default:
			err = fmt.Errorf("unsupported export format %q", f)
		}
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", f, err)
		}
		outputs = append(outputs, output{format: f, payload: payload, rows: rows})
	}
	return outputs, nil
}

func (w *Worker) storeArtifact(record Record, out output) (Artifact, error) {
	key := path.Join("exports", record.ID, string(record.Kind)+"."+out.format.extension())
	info, err := w.store.Put(w.ctx, key, bytes.NewReader(out.payload), blob.PutOptions{
		ContentType: out.format.contentType(),
		Metadata: map[string]string{
			"job":  record.ID,
			"kind": string(record.Kind),
			"rows": strconv.Itoa(out.rows),
		},
	})
	if err != nil {
		return Artifact{}, err
	}
	url := info.URL
	if url == "" {
		// Presign failures (unsupported drivers included) leave the URL
		// empty; the artifact stays reachable through its key.
		if signed, err := w.store.PresignURL(w.ctx, key, blob.SignedURLOptions{}); err == nil {
			url = signed
		}
	}
	artifact := Artifact{
		Key:         key,
		Format:      out.format,
		ContentType: info.ContentType,
		SizeBytes:   info.Size,
		ETag:        info.ETag,
		URL:         url,
		CreatedAt:   info.LastModified,
	}
	if artifact.ContentType == "" {
		artifact.ContentType = out.format.contentType()
	}
	if artifact.SizeBytes == 0 {
		artifact.SizeBytes = int64(len(out.payload))
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	return artifact, nil
}

func (w *Worker) setStatus(id string, status Status) {
	now := time.Now().UTC()
	w.mu.Lock()
	var snapshot Record
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.Error = ""
		record.UpdatedAt = now
		snapshot = record.clone()
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, snapshot, status, "")
}

func (w *Worker) complete(id string, artifacts []Artifact) {
	now := time.Now().UTC()
	w.mu.Lock()
	var snapshot Record
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
		snapshot = record.clone()
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, snapshot, StatusSucceeded, "")
	w.logger.Info("export completed", "job", id, "artifacts", len(artifacts))
}

func (w *Worker) fail(id, reason string) {
	now := time.Now().UTC()
	w.mu.Lock()
	var snapshot Record
	if record, ok := w.jobs[id]; ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
		snapshot = record.clone()
	}
	w.mu.Unlock()
	w.recordAudit(w.ctx, snapshot, StatusFailed, reason)
	w.logger.Error("export failed", "job", id, "error", reason)
}

func (w *Worker) recordAudit(ctx context.Context, record Record, status Status, errMsg string) {
	if record.ID == "" {
		return
	}
	entry := core.AuditEntry{
		ID:         uuid.NewString(),
		Operation:  "export",
		Status:     core.AuditStatusSuccess,
		EntityType: entityExport,
		Detail:     fmt.Sprintf("job %s %s %s", record.ID, record.Kind, status),
		OccurredAt: time.Now().UTC(),
	}
	if status == StatusFailed {
		entry.Status = core.AuditStatusError
		entry.Error = errMsg
	}
	w.audit.Record(ctx, entry)
}

func featuresCSV(features []domain.Feature) ([]byte, error) {
	buf := &bytes.Buffer{}
	wr := csv.NewWriter(buf)
	if err := wr.Write([]string{"feature_id", "geometry_type", "wkt", "properties"}); err != nil {
		return nil, err
	}
	for _, f := range features {
		props, err := json.Marshal(f.Properties)
		if err != nil {
			return nil, err
		}
		row := []string{
			strconv.FormatInt(f.ID, 10),
			f.Geometry.Type().String(),
			f.Geometry.AsText(),
			string(props),
		}
		if err := wr.Write(row); err != nil {
			return nil, err
		}
	}
	wr.Flush()
	if err := wr.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func resultsCSV(results []domain.AnalysisResult) ([]byte, error) {
	buf := &bytes.Buffer{}
	wr := csv.NewWriter(buf)
	if err := wr.Write([]string{"result_id", "operation", "source_feature_ids", "description", "geometry_type", "wkt", "created_at"}); err != nil {
		return nil, err
	}
	for _, r := range results {
		row := []string{
			strconv.FormatInt(r.ID, 10),
			string(r.Operation),
			joinIDs(r.SourceFeatureIDs),
			r.Description,
			r.Geometry.Type().String(),
			r.Geometry.AsText(),
			r.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := wr.Write(row); err != nil {
			return nil, err
		}
	}
	wr.Flush()
	if err := wr.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ";")
}
