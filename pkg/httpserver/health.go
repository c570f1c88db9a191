package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler answers {"status":"ok"} when every check passes and 503 with
// the failing dependency names otherwise.
func HealthHandler(log *slog.Logger, checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var failed []string
		for name, check := range checks {
			if err := check(ctx); err != nil {
				log.ErrorContext(ctx, "health check failed", slog.String("dependency", name), slog.String("error", err.Error()))
				failed = append(failed, name)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failed) > 0 {
			slices.Sort(failed)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unavailable", "failed": failed})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
