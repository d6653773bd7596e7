// Package inspect exposes a read-only HTTP surface over a running
// driver for debugging and health checks.
package inspect

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailrig/mailrig/driver"
)

// Section mounts an extra read-only endpoint under /v1. Data is called
// once per request and marshalled as JSON.
type Section struct {
	Name string
	Data func() any
}

// Handler serves driver state: GET /v1/state, GET /v1/pools,
// GET /v1/errors and GET /healthz. Extra sections appear as
// GET /v1/<name>.
func Handler(d *driver.Driver, extra ...Section) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/v1/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Snapshot())
	})
	r.Get("/v1/pools", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Snapshot().Pools)
	})
	r.Get("/v1/errors", func(w http.ResponseWriter, _ *http.Request) {
		recent := d.RecentErrors()
		out := make([]errorEntry, 0, len(recent))
		for _, pe := range recent {
			e := errorEntry{Stage: pe.Stage, Error: pe.Err.Error()}
			if pe.Kind != 0 {
				e.Kind = pe.Kind.String()
			}
			out = append(out, e)
		}
		writeJSON(w, http.StatusOK, out)
	})

	for _, s := range extra {
		r.Get("/v1/"+s.Name, func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, s.Data())
		})
	}
	return r
}

type errorEntry struct {
	Stage string `json:"stage"`
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
