// Package health provides the HTTP handlers of the ops server: a
// liveness check and a store statistics snapshot.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"

	"github.com/terrpan/runnerhost/internal/buildinfo"
	"github.com/terrpan/runnerhost/internal/store"
)

// StatsFunc returns the current store statistics and whether tracking
// is enabled.  (*store.Store).Statistics satisfies it.
type StatsFunc func() (store.Statistics, bool)

// Info describes the serving process.
type Info struct {
	HostID  string
	Sources []string
}

// Response represents the health check response body.
type Response struct {
	Status       string            `json:"status"`
	ServiceName  string            `json:"service_name"`
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	BuildTime    string            `json:"build_time"`
	GoVersion    string            `json:"go_version"`
	OS           string            `json:"os"`
	Architecture string            `json:"architecture"`
	HostID       string            `json:"host_id"`
	Sources      []string          `json:"sources"`
	Store        *store.Statistics `json:"store,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Handler responds to health check requests with build info, the
// served result types and, when tracking is enabled, the store
// statistics.  The status is always "healthy" (200 OK): this is a
// liveness check.
func Handler(info Info, stats StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:       "healthy",
			ServiceName:  "runnerhost",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			HostID:       info.HostID,
			Sources:      info.Sources,
			Timestamp:    time.Now().UTC(),
		}
		if stats != nil {
			if st, ok := stats(); ok {
				response.Store = &st
			}
		}

		writeJSON(w, http.StatusOK, response)
	}
}

// StatsHandler serves the store statistics, or 404 when tracking is
// disabled.
func StatsHandler(stats StatsFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := stats()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "statistics tracking is disabled"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// NewRouter mounts /healthz, /stats and, when metrics is non-nil,
// /metrics.  Every request is traced.
func NewRouter(info Info, stats StatsFunc, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(otelchi.Middleware("runnerhost", otelchi.WithChiRoutes(r)))

	r.Get("/healthz", Handler(info, stats))
	r.Get("/stats", StatsHandler(stats))
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
