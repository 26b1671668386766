package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"

	"geocore/internal/blob/core"
)

func TestMockedBasicFlow(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if store.Driver() != core.DriverS3 {
		t.Fatalf("driver mismatch: %s", store.Driver())
	}
	info, err := store.Put(ctx, "exports/job/features.geojson", bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "application/geo+json"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "exports/job/features.geojson" || info.ContentType != "application/geo+json" || info.Size != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "exports/job/features.geojson", bytes.NewReader([]byte("ignored")), core.PutOptions{}); err == nil {
		t.Fatalf("expected duplicate put error")
	}
	if _, err := store.Head(ctx, "exports/job/features.geojson"); err != nil {
		t.Fatalf("head: %v", err)
	}
	_, rc, err := store.Get(ctx, "exports/job/features.geojson")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "hello" {
		t.Fatalf("content mismatch: %q", string(data))
	}
	if url, err := store.PresignURL(ctx, "exports/job/features.geojson", core.SignedURLOptions{}); err != nil || url == "" {
		t.Fatalf("presign: %v %s", err, url)
	}
	if ok, err := store.Delete(ctx, "exports/job/features.geojson"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := store.Head(ctx, "exports/job/features.geojson"); err == nil {
		t.Fatalf("expected head miss after delete")
	}
}

func TestListFollowsPagination(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if _, err := store.Put(ctx, "pag/a.txt", bytes.NewReader([]byte("a")), core.PutOptions{}); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if _, err := store.Put(ctx, "pag/b.txt", bytes.NewReader([]byte("bb")), core.PutOptions{}); err != nil {
		t.Fatalf("put b: %v", err)
	}
	list, err := store.List(ctx, "pag/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "pag/a.txt" || list[1].Key != "pag/b.txt" {
		t.Fatalf("expected both pages merged, got %+v", list)
	}
	if empty, err := store.List(ctx, "no-such-prefix/"); err != nil || len(empty) != 0 {
		t.Fatalf("expected empty list: %v %+v", err, empty)
	}
}

func TestPresignOptions(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if url, err := store.PresignURL(ctx, "k.txt", core.SignedURLOptions{Expiry: 30 * time.Second}); err != nil || url == "" {
		t.Fatalf("presign custom expiry: %v %s", err, url)
	}
	if _, err := store.PresignURL(ctx, "k.txt", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestMissingKeyErrors(t *testing.T) {
	store := NewMockForTests()
	ctx := context.Background()
	if _, err := store.Head(ctx, "nope"); err == nil {
		t.Fatalf("expected head error")
	}
	if _, _, err := store.Get(ctx, "nope"); err == nil {
		t.Fatalf("expected get error")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestOpenFromEnv(t *testing.T) {
	oldBucket, hadBucket := os.LookupEnv("GEOCORE_BLOB_S3_BUCKET")
	defer func() {
		if hadBucket {
			_ = os.Setenv("GEOCORE_BLOB_S3_BUCKET", oldBucket)
		} else {
			_ = os.Unsetenv("GEOCORE_BLOB_S3_BUCKET")
		}
	}()
	_ = os.Unsetenv("GEOCORE_BLOB_S3_BUCKET")
	if _, err := OpenFromEnv(context.Background()); err == nil {
		t.Fatalf("expected error without bucket")
	}
	_ = os.Setenv("GEOCORE_BLOB_S3_BUCKET", "env-bucket")
	store, err := OpenFromEnv(context.Background())
	if err != nil {
		t.Fatalf("OpenFromEnv: %v", err)
	}
	if store.bucket != "env-bucket" {
		t.Fatalf("bucket mismatch: %s", store.bucket)
	}
}

func TestObjectInfoNilFields(t *testing.T) {
	store := NewMockForTests()
	info := store.objectInfo("k", nil, nil, aws.String("\"etagval\""), map[string]string{"x": "y"}, nil)
	if info.ETag != "etagval" || info.ContentType != "" || info.Size != 0 || info.Key != "k" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.LastModified.IsZero() {
		t.Fatalf("expected fallback timestamp")
	}
}

func TestDecodeChunked(t *testing.T) {
	if _, ok := decodeChunked([]byte("not-chunked")); ok {
		t.Fatalf("plain payload must not decode")
	}
	if _, ok := decodeChunked([]byte("5\r\nabc\r\n0\r\n")); ok {
		t.Fatalf("size mismatch must not decode")
	}
	if b, ok := decodeChunked([]byte("5\r\nhello\r\n0\r\n")); !ok || string(b) != "hello" {
		t.Fatalf("expected hello, got %q %v", b, ok)
	}
}

func TestMockTransportUnsupportedMethod(t *testing.T) {
	rt := &mockTransport{objects: make(map[string]fakeObject)}
	req, _ := http.NewRequest(http.MethodPatch, "https://mock.s3.local/bucket/key", nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("roundtrip: %v", err)
	}
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", resp.StatusCode)
	}
}
