// Package store is the thin client for the durable room store: a named
// encrypted blob per room behind GET/PUT /rooms/{roomID}. Writes are
// idempotent and last-writer-wins; the caller guards with a scene fingerprint
// to avoid redundant PUTs.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

var ErrNotFound = errors.New("store: room has no persisted snapshot")

type Config struct {
	BaseURL string
	// Attempts bounds retries for one logical Get/Put; Backoff is the base
	// delay, scaled linearly per attempt. Retries cover network errors and
	// 5xx responses only.
	Attempts int
	Backoff  time.Duration
}

type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	if config.Attempts <= 0 {
		config.Attempts = 3
	}
	if config.Backoff <= 0 {
		config.Backoff = 500 * time.Millisecond
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger.With(slog.String("component", "room_store")),
	}
}

// Get fetches the room's encrypted blob. ErrNotFound means the room has never
// been persisted, which is a normal first-join case.
func (c *Client) Get(ctx context.Context, roomID string) ([]byte, error) {
	var blob []byte
	err := c.retry(ctx, "GET", roomID, func() (retryable bool, err error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roomURL(roomID), nil)
		if err != nil {
			return false, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			blob, err = io.ReadAll(resp.Body)
			return false, err
		case resp.StatusCode == http.StatusNotFound:
			return false, ErrNotFound
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("store: GET %s: status %d", roomID, resp.StatusCode)
		default:
			return false, fmt.Errorf("store: GET %s: status %d", roomID, resp.StatusCode)
		}
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

// Put writes the room's encrypted blob. Repeated PUTs with the same content
// are safe; last write wins.
func (c *Client) Put(ctx context.Context, roomID string, blob []byte) error {
	return c.retry(ctx, "PUT", roomID, func() (retryable bool, err error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.roomURL(roomID), bytes.NewReader(blob))
		if err != nil {
			return false, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		resp, err := c.http.Do(req)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusNoContent:
			return false, nil
		case resp.StatusCode >= 500:
			return true, fmt.Errorf("store: PUT %s: status %d", roomID, resp.StatusCode)
		default:
			return false, fmt.Errorf("store: PUT %s: status %d", roomID, resp.StatusCode)
		}
	})
}

func (c *Client) roomURL(roomID string) string {
	return c.config.BaseURL + "/rooms/" + url.PathEscape(roomID)
}

func (c *Client) retry(ctx context.Context, op, roomID string, fn func() (bool, error)) error {
	var lastErr error
	for attempt := 1; attempt <= c.config.Attempts; attempt++ {
		retryable, err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		c.logger.Warn("store request failed",
			slog.String("op", op),
			slog.String("roomID", roomID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt == c.config.Attempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.config.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("store: %s %s: retries exhausted: %w", op, roomID, lastErr)
}
