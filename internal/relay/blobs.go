package relay

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// maxBlobSize bounds one stored room snapshot.
const maxBlobSize = 16 << 20

// blobStore is the dev-mode durable room store: opaque ciphertext blobs keyed
// by room ID, held in memory. The relay cannot read them; it never holds the
// room keys. Production deployments point pkg/store at a real blob backend
// instead.
type blobStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	logger *slog.Logger
}

func newBlobStore(logger *slog.Logger) *blobStore {
	return &blobStore{
		blobs:  make(map[string][]byte),
		logger: logger.With(slog.String("component", "relay_blobstore")),
	}
}

func (s *blobStore) handleGet(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	s.mu.RLock()
	blob, ok := s.blobs[roomID]
	s.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(blob); err != nil {
		s.logger.Warn("Failed to write blob response", slog.Any("error", err))
	}
}

func (s *blobStore) handlePut(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")

	blob, err := io.ReadAll(io.LimitReader(r.Body, maxBlobSize+1))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if len(blob) > maxBlobSize {
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
		return
	}

	s.mu.Lock()
	s.blobs[roomID] = blob
	s.mu.Unlock()

	s.logger.Debug("Room snapshot stored",
		slog.String("roomID", roomID), slog.Int("bytes", len(blob)))
	w.WriteHeader(http.StatusOK)
}
