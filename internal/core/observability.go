package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"geocore/pkg/domain"
)

// Logger is the minimal leveled logging seam used by the service. Arguments
// follow the slog convention of alternating keys and values.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger adapts a slog logger to the service logging seam. A nil
// argument falls back to slog.Default().
func NewSlogLogger(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{l: l}
}

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

// MetricsRecorder observes one service operation outcome. Implementations
// must be safe for concurrent use.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan ends a started span, recording the operation error if any.
type TraceSpan interface {
	End(err error)
}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// AuditStatus classifies the outcome recorded in an audit entry.
type AuditStatus string

// Audit entry outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry records one mutating service operation for traceability.
type AuditEntry struct {
	ID         string            `json:"id"`
	Operation  string            `json:"operation"`
	Status     AuditStatus       `json:"status"`
	EntityType domain.EntityType `json:"entity_type,omitempty"`
	EntityID   int64             `json:"entity_id,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Error      string            `json:"error,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// AuditRecorder receives audit entries for mutating operations.
// Implementations must be safe for concurrent use.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// NopAuditRecorder returns an AuditRecorder that drops every entry.
func NopAuditRecorder() AuditRecorder { return noopAudit{} }

// defaultAuditCapacity bounds the in-memory audit ring.
const defaultAuditCapacity = 1024

// MemoryAuditRecorder retains entries in a bounded ring, dropping the oldest
// once capacity is reached.
type MemoryAuditRecorder struct {
	mu       sync.Mutex
	capacity int
	entries  []AuditEntry
}

// NewMemoryAuditRecorder returns a ring-buffered recorder. A non-positive
// capacity selects the default.
func NewMemoryAuditRecorder(capacity int) *MemoryAuditRecorder {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &MemoryAuditRecorder{capacity: capacity}
}

// Record appends the entry, evicting the oldest entries when full.
func (r *MemoryAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.capacity {
		r.entries = append([]AuditEntry(nil), r.entries[len(r.entries)-r.capacity:]...)
	}
}

// Entries returns a copy of the retained entries, oldest first.
func (r *MemoryAuditRecorder) Entries() []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEntry(nil), r.entries...)
}

// FindByOperation returns retained entries for one operation name,
// oldest first.
func (r *MemoryAuditRecorder) FindByOperation(operation string) []AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AuditEntry
	for _, e := range r.entries {
		if e.Operation == operation {
			out = append(out, e)
		}
	}
	return out
}

func newAuditID() string {
	return uuid.NewString()
}
