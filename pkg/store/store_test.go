package store_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/AstraDraw/astradraw-sub000/pkg/logging"
	"github.com/AstraDraw/astradraw-sub000/pkg/store"
)

func newTestLogger() *slog.Logger { return logging.Discard() }

// blobServer is a minimal in-memory /rooms/{id} endpoint.
type blobServer struct {
	mu    sync.Mutex
	blobs map[string][]byte
	puts  int
	reqs  int
	fail  int // respond 500 to this many requests before behaving
}

func (s *blobServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs++
	if s.fail > 0 {
		s.fail--
		http.Error(w, "unavailable", http.StatusInternalServerError)
		return
	}
	roomID := r.PathValue("roomID")
	switch r.Method {
	case http.MethodGet:
		blob, ok := s.blobs[roomID]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(blob)
	case http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		s.blobs[roomID] = body
		s.puts++
		w.WriteHeader(http.StatusOK)
	}
}

func newBlobServer() (*blobServer, *httptest.Server) {
	bs := &blobServer{blobs: make(map[string][]byte)}
	mux := http.NewServeMux()
	mux.Handle("GET /rooms/{roomID}", bs)
	mux.Handle("PUT /rooms/{roomID}", bs)
	return bs, httptest.NewServer(mux)
}

func newClient(ts *httptest.Server) *store.Client {
	return store.NewClient(store.Config{
		BaseURL:  ts.URL,
		Attempts: 3,
		Backoff:  time.Millisecond,
	}, newTestLogger())
}

func TestPutThenGet(t *testing.T) {
	bs, ts := newBlobServer()
	defer ts.Close()
	client := newClient(ts)

	blob := []byte("sealed snapshot bytes")
	if err := client.Put(context.Background(), "room-1", blob); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := client.Get(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Errorf("Get returned %q, want %q", got, blob)
	}
	if bs.puts != 1 {
		t.Errorf("expected exactly 1 PUT, saw %d", bs.puts)
	}
}

func TestGetMissingRoom(t *testing.T) {
	_, ts := newBlobServer()
	defer ts.Close()

	_, err := newClient(ts).Get(context.Background(), "never-saved")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	bs, ts := newBlobServer()
	defer ts.Close()
	bs.fail = 2 // first two requests 500, third succeeds

	if err := newClient(ts).Put(context.Background(), "room-1", []byte("x")); err != nil {
		t.Fatalf("expected Put to succeed after retries, got %v", err)
	}
}

func TestRetryBudgetIsBounded(t *testing.T) {
	bs, ts := newBlobServer()
	defer ts.Close()
	bs.fail = 100

	start := time.Now()
	err := newClient(ts).Put(context.Background(), "room-1", []byte("x"))
	if err == nil {
		t.Fatal("expected Put to fail once retries are exhausted")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("retry loop took %v, budget should be bounded", elapsed)
	}
}

func TestNotFoundIsNotRetried(t *testing.T) {
	bs, ts := newBlobServer()
	defer ts.Close()

	if _, err := newClient(ts).Get(context.Background(), "missing"); err == nil {
		t.Fatal("expected error")
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.reqs != 1 {
		t.Errorf("404 must not be retried, saw %d requests", bs.reqs)
	}
}
