package storage

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore("https://files.test")
	if err := m.Put(ctx, "documents/d1/sealed.pdf", strings.NewReader("%PDF"), 4, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := m.Get(ctx, "documents/d1/sealed.pdf")
	if err != nil || string(data) != "%PDF" {
		t.Fatalf("get = %q, %v", data, err)
	}
	url, err := m.PresignGet(ctx, "documents/d1/sealed.pdf", time.Minute)
	if err != nil || !strings.HasPrefix(url, "https://files.test/documents/d1/sealed.pdf?") {
		t.Fatalf("presign = %q, %v", url, err)
	}
	if err := m.Delete(ctx, "documents/d1/sealed.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.Get(ctx, "documents/d1/sealed.pdf"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := m.PresignGet(ctx, "missing", time.Minute); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("presign of missing key should fail, got %v", err)
	}
}

func TestMemoryStoreFailPut(t *testing.T) {
	m := NewMemoryStore("")
	m.FailPut = func(key string) error {
		if strings.HasSuffix(key, "sealed.pdf") {
			return errors.New("disk full")
		}
		return nil
	}
	if err := m.Put(context.Background(), "a/original.pdf", strings.NewReader("x"), 1, "application/pdf"); err != nil {
		t.Fatalf("put original: %v", err)
	}
	if err := m.Put(context.Background(), "a/sealed.pdf", strings.NewReader("x"), 1, "application/pdf"); err == nil {
		t.Fatalf("expected injected failure")
	}
	if m.Len() != 1 || !m.Has("a/original.pdf") {
		t.Fatalf("unexpected contents: len=%d", m.Len())
	}
}

func TestMinioNotFoundMapping(t *testing.T) {
	m := &MinioStore{bucket: "signflow"}
	missing := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	if err := m.wrap("get", "k", missing); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	if err := m.wrap("get", "k", denied); errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("access denied must not map to not found")
	}
}

func TestNewMinioStoreRequiresBucket(t *testing.T) {
	if _, err := NewMinioStore(context.Background(), MinioConfig{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
