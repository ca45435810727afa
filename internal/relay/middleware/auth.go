package middleware

import (
	"log/slog"
	"net/http"

	"github.com/AstraDraw/astradraw-sub000/internal/access"
)

// NewAuthMiddleware validates the room grant on the upgrade request and
// stashes the compiled Gate in the request metadata. The token travels in a
// query parameter: browser WebSocket clients cannot set headers on the
// upgrade request.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// missing metadata means a previous middleware misbehaved
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				logger.Warn("Grant token missing in request", "ip", reqMeta.IP)
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}

			gate, err := access.ParseGrant(tokenString, jwtSecret)
			if err != nil {
				logger.Warn("Invalid grant token presented",
					slog.String("ip", reqMeta.IP), slog.Any("error", err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !gate.CanView() {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			// a room-bound grant opens only the room it names
			if gate.RoomID != "" && gate.RoomID != reqMeta.RoomID {
				logger.Warn("Grant presented for a different room",
					slog.String("ip", reqMeta.IP),
					slog.String("grantRoom", gate.RoomID),
					slog.String("requestedRoom", reqMeta.RoomID))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			reqMeta.Gate = gate
			next.ServeHTTP(w, r)
		})
	}
}
