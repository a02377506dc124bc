package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/provisioner/pkg/metrics"
)

// readyCheckTimeout bounds the storage read behind /ready
const readyCheckTimeout = 2 * time.Second

// StorageChecker is any cheap read against the store. The worker type
// registry satisfies it.
type StorageChecker interface {
	List(ctx context.Context) ([]string, error)
}

// HealthServer serves liveness, readiness and Prometheus metrics
type HealthServer struct {
	checker StorageChecker
	mux     *http.ServeMux
}

// NewHealthServer creates the health handlers. A nil checker reports the
// storage as not initialized.
func NewHealthServer(checker StorageChecker) *HealthServer {
	hs := &HealthServer{checker: checker, mux: http.NewServeMux()}

	hs.mux.HandleFunc("GET /health", hs.healthHandler)
	hs.mux.HandleFunc("GET /ready", hs.readyHandler)
	hs.mux.Handle("GET /metrics", metrics.Handler())
	return hs
}

// HealthResponse is the /health body. The process is alive whenever it
// answers, so the status is always healthy.
type HealthResponse struct {
	Status     string                             `json:"status"`
	Version    string                             `json:"version,omitempty"`
	Uptime     float64                            `json:"uptime"` // Seconds
	Components map[string]metrics.ComponentStatus `json:"components"`
}

// ReadyResponse is the /ready body
type ReadyResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Message string            `json:"message,omitempty"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "healthy",
		Version:    metrics.Version(),
		Uptime:     metrics.Uptime().Seconds(),
		Components: metrics.Components(),
	})
}

// readyHandler reads the store on every call so a closed or corrupt
// database takes the server out of rotation
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	checked := hs.checkStorage(r.Context())
	readiness := metrics.GetReadiness()

	checks := make(map[string]string, len(readiness.Components)+1)
	for name, c := range readiness.Components {
		if c.Healthy {
			checks[name] = "ok"
		} else {
			checks[name] = "error: " + c.Message
		}
	}
	for _, name := range readiness.Waiting {
		if _, ok := checks[name]; !ok {
			checks[name] = "not registered"
		}
	}

	waiting := readiness.Waiting
	if !checked {
		checks["storage"] = "not initialized"
		waiting = appendMissing(waiting, "storage")
	}

	if len(waiting) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not ready",
			Checks:  checks,
			Message: "waiting for " + strings.Join(waiting, ", "),
		})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Checks: checks})
}

// checkStorage records the storage health and reports whether a check
// is configured at all
func (hs *HealthServer) checkStorage(ctx context.Context) bool {
	if hs.checker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, readyCheckTimeout)
	defer cancel()

	if _, err := hs.checker.List(ctx); err != nil {
		metrics.SetComponent("storage", false, err.Error())
	} else {
		metrics.SetComponent("storage", true, "")
	}
	return true
}

func appendMissing(names []string, name string) []string {
	for _, n := range names {
		if n == name {
			return names
		}
	}
	names = append(append([]string{}, names...), name)
	sort.Strings(names)
	return names
}

// Handler returns the health routes for mounting next to the API
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}
