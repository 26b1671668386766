package core

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"geocore/internal/geometry"
	"geocore/pkg/domain"
)

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureTracer struct {
	started []string
	ended   []spanRecord
}

type spanRecord struct {
	op  string
	err error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	c.started = append(c.started, op)
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	for _, record := range c.ended {
		if record.op == op {
			if success && record.err == nil {
				return true
			}
			if !success && record.err != nil {
				return true
			}
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

type logCall struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	calls []logCall
}

func (c *captureLogger) Debug(msg string, args ...any) {
	c.calls = append(c.calls, logCall{level: "debug", msg: msg, args: args})
}

func (c *captureLogger) Info(msg string, args ...any) {
	c.calls = append(c.calls, logCall{level: "info", msg: msg, args: args})
}

func (c *captureLogger) Warn(msg string, args ...any) {
	c.calls = append(c.calls, logCall{level: "warn", msg: msg, args: args})
}

func (c *captureLogger) Error(msg string, args ...any) {
	c.calls = append(c.calls, logCall{level: "error", msg: msg, args: args})
}

func (c *captureLogger) has(level, msgPart string) bool {
	for _, call := range c.calls {
		if call.level == level && strings.Contains(call.msg, msgPart) {
			return true
		}
	}
	return false
}

func TestServiceEmitsObservabilitySignals(t *testing.T) {
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	logger := &captureLogger{}
	svc := newTestService(
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
		WithLogger(logger),
	)

	f := mustServiceAdd(t, svc, squareA, map[string]any{"name": "a"})
	if _, err := svc.Buffer(context.Background(), 10, nil); err != nil {
		t.Fatalf("buffer: %v", err)
	}

	if !metrics.has(opAddFeature, true) || !metrics.has(opBuffer, true) {
		t.Fatalf("expected success metrics for add and buffer, got %+v", metrics.calls)
	}
	if !tracer.has(opAddFeature, true) || !tracer.has(opBuffer, true) {
		t.Fatalf("expected spans for add and buffer, got %+v", tracer.ended)
	}
	if !audit.has(opAddFeature, AuditStatusSuccess, func(e AuditEntry) bool {
		return e.EntityType == domain.EntityFeature && e.EntityID == f.ID
	}) {
		t.Fatalf("expected audit entry for add, got %+v", audit.entries)
	}
	if !audit.has(opBuffer, AuditStatusSuccess, nil) {
		t.Fatalf("expected audit entry for buffer, got %+v", audit.entries)
	}
	if !logger.has("debug", "operation completed") {
		t.Fatalf("expected completion logs, got %+v", logger.calls)
	}
}

func TestServiceRecordsFailureSignals(t *testing.T) {
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	logger := &captureLogger{}
	svc := newTestService(
		WithAuditRecorder(audit),
		WithMetricsRecorder(metrics),
		WithTracer(tracer),
		WithLogger(logger),
	)

	_, _, err := svc.UpdateFeature(context.Background(), 42, nil, map[string]any{"name": "x"}, false)
	if err == nil {
		t.Fatal("expected update of missing feature to fail")
	}

	if !metrics.has(opUpdateFeature, false) {
		t.Fatalf("expected failure metric, got %+v", metrics.calls)
	}
	if !tracer.has(opUpdateFeature, false) {
		t.Fatalf("expected failed span, got %+v", tracer.ended)
	}
	if !audit.has(opUpdateFeature, AuditStatusError, func(e AuditEntry) bool {
		return e.EntityID == 42 && e.Error != ""
	}) {
		t.Fatalf("expected error audit entry, got %+v", audit.entries)
	}
	if !logger.has("error", "operation failed") {
		t.Fatalf("expected failure log, got %+v", logger.calls)
	}
}

func TestServiceLogsRepairWarning(t *testing.T) {
	logger := &captureLogger{}
	svc := newTestService(WithLogger(logger))

	_, rep, err := svc.AddFeature(context.Background(), geometry.FromWKT("POLYGON((0 0,2 2,2 0,0 2,0 0))"), nil, true)
	if err != nil {
		t.Fatalf("add with repair: %v", err)
	}
	if rep.Status != geometry.RepairRepaired {
		t.Fatalf("expected repaired outcome, got %s", rep.Status)
	}
	if !logger.has("warn", "geometry repaired") {
		t.Fatalf("expected repair warning, got %+v", logger.calls)
	}
}

func TestMemoryAuditRecorderEvictsOldest(t *testing.T) {
	rec := NewMemoryAuditRecorder(2)
	for i := 0; i < 3; i++ {
		rec.Record(context.Background(), AuditEntry{ID: newAuditID(), Operation: opBuffer, Detail: string(rune('a' + i))})
	}
	entries := rec.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected capacity 2, got %d entries", len(entries))
	}
	if entries[0].Detail != "b" || entries[1].Detail != "c" {
		t.Fatalf("expected oldest entry evicted, got %+v", entries)
	}
	if got := rec.FindByOperation(opBuffer); len(got) != 2 {
		t.Fatalf("expected lookup by operation, got %+v", got)
	}
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if !strings.HasPrefix(rec.Name(), "geocore_service_metrics_") {
		t.Fatalf("unexpected generated name %q", rec.Name())
	}

	rec.Observe(context.Background(), opBuffer, true, 20*time.Millisecond)
	rec.Observe(context.Background(), opBuffer, false, 5*time.Millisecond)
	rec.Observe(context.Background(), "", true, time.Millisecond)

	snap := rec.Snapshot()
	if snap.Results[opBuffer]["success"] != 1 || snap.Results[opBuffer]["error"] != 1 {
		t.Fatalf("unexpected result counters %+v", snap.Results)
	}
	if snap.DurationsMS[opBuffer] < 24 || snap.DurationsMS[opBuffer] > 26 {
		t.Fatalf("unexpected duration total %v", snap.DurationsMS[opBuffer])
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	rec.Observe(context.Background(), opClip, true, 30*time.Millisecond)
	rec.Observe(context.Background(), opClip, false, 10*time.Millisecond)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	if !names["geocore_operations_total"] || !names["geocore_operation_duration_seconds"] {
		t.Fatalf("expected both collectors exported, got %v", names)
	}

	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestJSONTracerRecordsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)

	_, span := tracer.Start(context.Background(), opDissolve)
	span.End(nil)
	_, span = tracer.Start(context.Background(), opClip)
	span.End(context.DeadlineExceeded)

	entries := tracer.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected two spans, got %d", len(entries))
	}
	if entries[0].Operation != opDissolve || entries[0].Status != "success" {
		t.Fatalf("unexpected first span %+v", entries[0])
	}
	if entries[1].Status != "error" || entries[1].Error == "" {
		t.Fatalf("unexpected second span %+v", entries[1])
	}

	dec := json.NewDecoder(&buf)
	var first JSONTraceEntry
	if err := dec.Decode(&first); err != nil {
		t.Fatalf("decode line: %v", err)
	}
	if first.Operation != opDissolve {
		t.Fatalf("unexpected encoded span %+v", first)
	}
}

func TestSlogLoggerAdapter(t *testing.T) {
	logger := NewSlogLogger(nil)
	// The adapter must accept all levels without panicking.
	logger.Debug("debug", "k", "v")
	logger.Info("info")
	logger.Warn("warn")
	logger.Error("error", "k", 1)
}
