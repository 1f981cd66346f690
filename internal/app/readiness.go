package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Check probes one dependency. A nil error means ready.
type Check func(ctx context.Context) error

// ReadinessChecker runs named dependency probes for /readyz.
type ReadinessChecker struct {
	checks  map[string]Check
	timeout time.Duration
}

// NewReadinessChecker builds a checker over the given probes.
func NewReadinessChecker(checks map[string]Check) *ReadinessChecker {
	return &ReadinessChecker{checks: checks, timeout: 2 * time.Second}
}

// Handler returns the /readyz handler: 200 when every probe passes, 503 with
// per-dependency detail otherwise.
func (rc *ReadinessChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), rc.timeout)
		defer cancel()

		status := map[string]string{}
		healthy := true
		for name, check := range rc.checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ready":  healthy,
			"checks": status,
		})
	}
}
