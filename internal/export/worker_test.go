package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"geocore/internal/blob"
	"geocore/internal/core"
	"geocore/internal/geometry"
	"geocore/internal/infra/persistence/memory"
	"geocore/pkg/domain"
)

const squareWKT = "POLYGON((0 0,1 0,1 1,0 1,0 0))"

func newTestWorker(t *testing.T, opts ...Option) (*Worker, *core.Service, blob.Store) {
	t.Helper()
	svc := core.NewService(memory.NewStore())
	store := blob.NewMemory()
	w := NewWorker(svc, store, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	return w, svc, store
}

func mustAdd(t *testing.T, svc *core.Service, wkt string, props map[string]any) domain.Feature {
	t.Helper()
	f, _, err := svc.AddFeature(context.Background(), geometry.FromWKT(wkt), props, false)
	if err != nil {
		t.Fatalf("add feature: %v", err)
	}
	return f
}

func waitFinished(t *testing.T, w *Worker, id string) Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if record, ok := w.Get(id); ok && (record.Status == StatusSucceeded || record.Status == StatusFailed) {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("export %s did not finish", id)
	return Record{}
}

func readArtifact(t *testing.T, store blob.Store, key string) []byte {
	t.Helper()
	_, rc, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get artifact %s: %v", key, err)
	}
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact %s: %v", key, err)
	}
	_ = rc.Close()
	return b
}

func TestExportFeaturesProducesGeoJSONAndCSV(t *testing.T) {
	w, svc, store := newTestWorker(t)
	mustAdd(t, svc, squareWKT, map[string]any{"name": "alpha"})
	mustAdd(t, svc, "POINT(2 2)", map[string]any{"name": "beta"})
	w.Start()

	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued.Status != StatusQueued || len(queued.Formats) != 2 {
		t.Fatalf("unexpected queued record %+v", queued)
	}

	record := waitFinished(t, w, queued.ID)
	if record.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s (%s)", record.Status, record.Error)
	}
	if record.CompletedAt == nil || len(record.Artifacts) != 2 {
		t.Fatalf("unexpected record %+v", record)
	}

	var geoArtifact, csvArtifact *Artifact
	for i := range record.Artifacts {
		switch record.Artifacts[i].Format {
		case FormatGeoJSON:
			geoArtifact = &record.Artifacts[i]
		case FormatCSV:
			csvArtifact = &record.Artifacts[i]
		}
	}
	if geoArtifact == nil || csvArtifact == nil {
		t.Fatalf("missing artifact formats: %+v", record.Artifacts)
	}
	if geoArtifact.Key != "exports/"+record.ID+"/features.geojson" {
		t.Fatalf("unexpected geojson key %s", geoArtifact.Key)
	}
	if geoArtifact.ContentType != "application/geo+json" || csvArtifact.ContentType != "text/csv" {
		t.Fatalf("content types: %s %s", geoArtifact.ContentType, csvArtifact.ContentType)
	}
	if geoArtifact.URL != "" {
		t.Fatalf("memory driver cannot presign, got URL %s", geoArtifact.URL)
	}

	var collection domain.FeatureCollection
	if err := json.Unmarshal(readArtifact(t, store, geoArtifact.Key), &collection); err != nil {
		t.Fatalf("decode geojson artifact: %v", err)
	}
	if collection.Len() != 2 {
		t.Fatalf("expected 2 features, got %d", collection.Len())
	}

	rows, err := csv.NewReader(strings.NewReader(string(readArtifact(t, store, csvArtifact.Key)))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv artifact: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "feature_id" || rows[0][3] != "properties" {
		t.Fatalf("unexpected header %v", rows[0])
	}
	if rows[1][0] != "1" || !strings.HasPrefix(rows[1][2], "POLYGON") {
		t.Fatalf("unexpected first row %v", rows[1])
	}
	if !strings.Contains(rows[1][3], `"name":"alpha"`) {
		t.Fatalf("properties column missing name: %v", rows[1])
	}
}

func TestExportResultsHonorsOperationFilter(t *testing.T) {
	w, svc, store := newTestWorker(t)
	ctx := context.Background()
	mustAdd(t, svc, squareWKT, map[string]any{"name": "alpha"})
	if _, err := svc.Buffer(ctx, 100, nil); err != nil {
		t.Fatalf("buffer: %v", err)
	}
	if _, err := svc.Simplify(ctx, 0.01, core.SimplifyPlanar, nil, "thinned"); err != nil {
		t.Fatalf("simplify: %v", err)
	}
	w.Start()

	op := domain.OperationBuffer
	queued, err := w.Enqueue(ctx, Request{Kind: KindResults, Query: core.ResultQuery{Operation: &op}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitFinished(t, w, queued.ID)
	if record.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s (%s)", record.Status, record.Error)
	}

	var geoKey, csvKey string
	for _, a := range record.Artifacts {
		switch a.Format {
		case FormatGeoJSON:
			geoKey = a.Key
		case FormatCSV:
			csvKey = a.Key
		}
	}
	var collection domain.FeatureCollection
	if err := json.Unmarshal(readArtifact(t, store, geoKey), &collection); err != nil {
		t.Fatalf("decode geojson artifact: %v", err)
	}
	if collection.Len() != 1 {
		t.Fatalf("expected only buffer rows, got %d", collection.Len())
	}
	if got := collection.Features[0].Properties["operation_type"]; got != "buffer" {
		t.Fatalf("operation_type = %v", got)
	}

	rows, err := csv.NewReader(strings.NewReader(string(readArtifact(t, store, csvKey)))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv artifact: %v", err)
	}
	if len(rows) != 2 || rows[0][1] != "operation" || rows[1][1] != "buffer" {
		t.Fatalf("unexpected csv rows %v", rows)
	}
	if rows[1][2] != "1" {
		t.Fatalf("source ids column = %q", rows[1][2])
	}
}

func TestEnqueueValidation(t *testing.T) {
	w, _, _ := newTestWorker(t)
	if _, err := w.Enqueue(context.Background(), Request{Kind: "everything"}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures, Formats: []Format{"shapefile"}}); err == nil {
		t.Fatalf("expected unsupported format error")
	}
	if jobs := w.Jobs(); len(jobs) != 0 {
		t.Fatalf("rejected requests must not leave records: %+v", jobs)
	}
}

func TestEnqueueDedupesFormats(t *testing.T) {
	w, _, _ := newTestWorker(t)
	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures, Formats: []Format{FormatCSV, FormatCSV, FormatGeoJSON}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(queued.Formats) != 2 || queued.Formats[0] != FormatCSV || queued.Formats[1] != FormatGeoJSON {
		t.Fatalf("unexpected formats %v", queued.Formats)
	}
}

func TestEnqueueQueueFullFailsRecord(t *testing.T) {
	w, _, _ := newTestWorker(t, WithQueueDepth(0))
	if _, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures}); err == nil {
		t.Fatalf("expected queue full error")
	}
	jobs := w.Jobs()
	if len(jobs) != 1 || jobs[0].Status != StatusFailed || jobs[0].Error != "export queue full" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

type failingStore struct {
	blob.Store
}

func (failingStore) Put(context.Context, string, io.Reader, blob.PutOptions) (blob.Info, error) {
	return blob.Info{}, fmt.Errorf("disk full")
}

func TestStoreFailureFailsJob(t *testing.T) {
	svc := core.NewService(memory.NewStore())
	w := NewWorker(svc, failingStore{Store: blob.NewMemory()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	mustAdd(t, svc, squareWKT, nil)
	w.Start()

	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures, Formats: []Format{FormatGeoJSON}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitFinished(t, w, queued.ID)
	if record.Status != StatusFailed || !strings.Contains(record.Error, "store artifact") {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestAuditTrailRecordsLifecycle(t *testing.T) {
	recorder := core.NewMemoryAuditRecorder(0)
	svc := core.NewService(memory.NewStore())
	w := NewWorker(svc, blob.NewMemory(), WithAuditRecorder(recorder))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	mustAdd(t, svc, squareWKT, nil)
	w.Start()

	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures, Formats: []Format{FormatGeoJSON}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitFinished(t, w, queued.ID)
	if record.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s (%s)", record.Status, record.Error)
	}

	entries := recorder.FindByOperation("export")
	if len(entries) < 3 {
		t.Fatalf("expected queued/running/succeeded entries, got %d", len(entries))
	}
	stages := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.EntityType != domain.EntityType("export") {
			t.Fatalf("unexpected entity type %s", e.EntityType)
		}
		stages = append(stages, e.Detail)
	}
	joined := strings.Join(stages, " ")
	for _, stage := range []string{"queued", "running", "succeeded"} {
		if !strings.Contains(joined, stage) {
			t.Fatalf("missing %s stage in %v", stage, stages)
		}
	}
}

func TestFilesystemArtifactsCarryURLs(t *testing.T) {
	fsStore, err := blob.NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem store: %v", err)
	}
	svc := core.NewService(memory.NewStore())
	w := NewWorker(svc, fsStore)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	})
	mustAdd(t, svc, squareWKT, nil)
	w.Start()

	queued, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures, Formats: []Format{FormatGeoJSON}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	record := waitFinished(t, w, queued.ID)
	if record.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s (%s)", record.Status, record.Error)
	}
	if len(record.Artifacts) != 1 || !strings.HasPrefix(record.Artifacts[0].URL, "http://blob.local/") {
		t.Fatalf("expected local URL, got %+v", record.Artifacts)
	}
	if record.Artifacts[0].ETag == "" {
		t.Fatalf("filesystem artifacts carry content hashes")
	}
}

func TestJobsOrderedOldestFirst(t *testing.T) {
	w, svc, _ := newTestWorker(t)
	mustAdd(t, svc, squareWKT, nil)
	w.Start()

	first, err := w.Enqueue(context.Background(), Request{Kind: KindFeatures, Formats: []Format{FormatGeoJSON}})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := w.Enqueue(context.Background(), Request{Kind: KindResults, Formats: []Format{FormatCSV}})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	waitFinished(t, w, first.ID)
	waitFinished(t, w, second.ID)

	jobs := w.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].CreatedAt.After(jobs[1].CreatedAt) {
		t.Fatalf("jobs out of order: %v then %v", jobs[0].CreatedAt, jobs[1].CreatedAt)
	}
}

func TestStopReturnsAfterWorkerExits(t *testing.T) {
	w, _, _ := newTestWorker(t)
	w.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
