package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultCheckTimeout bounds each readiness check when Check.Timeout is zero.
const DefaultCheckTimeout = 2 * time.Second

// Check is a named dependency check run by HealthHandler.
type Check struct {
	Name    string
	Timeout time.Duration
	Fn      func(ctx context.Context) error
}

// HealthHandler responds 200 "OK" when every check passes. The first failing
// check short-circuits with 503 and an error naming it. With no checks it is a
// plain liveness check.
func HealthHandler(checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := runCheck(r.Context(), c); err != nil {
				slog.Warn("health check failed", "check", c.Name, "error", err)
				WriteError(w, http.StatusServiceUnavailable, fmt.Errorf("%s: %w", c.Name, err))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	}
}

func runCheck(ctx context.Context, c Check) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Fn(ctx)
}
