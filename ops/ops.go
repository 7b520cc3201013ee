// Package ops mounts the operational HTTP surface: health, readiness, metrics and a
// read-only view of the latest rates.
package ops

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/next-trace/scg-pubsub/rates"
	"github.com/next-trace/scg-pubsub/ratesrpc"
)

// ReadyFunc reports whether the process can serve; a non-nil error means not ready.
type ReadyFunc func() error

type Snapshotter interface {
	Snapshot(f rates.Filter) []ratesrpc.Rate
}

type Options struct {
	Ready   ReadyFunc
	Metrics http.Handler
	Rates   Snapshotter
}

// Mount returns the ops router. Nil members of o are not mounted.
func Mount(o Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if o.Ready != nil {
			if err := o.Ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})

				return
			}
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	if o.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", o.Metrics)
	}

	if o.Rates != nil {
		r.Route("/rates", func(r chi.Router) {
			r.Get("/", ratesHandler(o.Rates, func(r *http.Request) string {
				if f := r.URL.Query().Get("filter"); f != "" {
					return f
				}

				return "*/*"
			}))
			r.Get("/{base}/{quote}", ratesHandler(o.Rates, func(r *http.Request) string {
				return chi.URLParam(r, "base") + "/" + chi.URLParam(r, "quote")
			}))
		})
	}

	return r
}

func ratesHandler(s Snapshotter, filter func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := rates.ParseFilter(filter(r))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

			return
		}

		snap := s.Snapshot(f)
		if snap == nil {
			snap = []ratesrpc.Rate{}
		}

		writeJSON(w, http.StatusOK, snap)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
