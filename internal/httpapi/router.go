package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"timetablebot/internal/render"
	"timetablebot/internal/task/engine"
	"timetablebot/internal/task/scheduler"
)

// Renderer is satisfied by *render.Service.
type Renderer interface {
	Healthcheck(ctx context.Context) bool
	Stats() render.EngineStats
}

// Deps are optional; missing ones are reported as absent.
type Deps struct {
	Render    Renderer
	Tasks     interface{ Snapshot() engine.Snapshot }
	Scheduler interface{ Snapshot() scheduler.Snapshot }
	// Pings run for /health?deep=true, e.g. "store" and "redis".
	Pings map[string]func(ctx context.Context) error
}

const deepTimeout = 10 * time.Second

func NewRouter(d Deps, token string, withPprof bool) http.Handler {
	r := chi.NewRouter()
	h := &handlers{d: d}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(token))
		r.Get("/health", h.health)
		r.Get("/render/stats", h.renderStats)
		r.Get("/tasks", h.tasks)
		r.Get("/scheduler", h.scheduler)
		if withPprof {
			r.HandleFunc("/debug/pprof/*", pprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", pprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
	})
	return r
}

type handlers struct{ d Deps }

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	rep := healthReport{Status: "ok"}
	if r.URL.Query().Get("deep") != "true" {
		writeJSON(w, http.StatusOK, rep)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), deepTimeout)
	defer cancel()

	rep.Checks = map[string]string{}
	if h.d.Render != nil {
		rep.Checks["render"] = "ok"
		if !h.d.Render.Healthcheck(ctx) {
			rep.Checks["render"] = "failed"
			rep.Status = "degraded"
		}
	}
	for name, ping := range h.d.Pings {
		rep.Checks[name] = "ok"
		if err := ping(ctx); err != nil {
			rep.Checks[name] = err.Error()
			rep.Status = "degraded"
		}
	}
	code := http.StatusOK
	if rep.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (h *handlers) renderStats(w http.ResponseWriter, _ *http.Request) {
	if h.d.Render == nil {
		writeErr(w, http.StatusNotFound, "render engine not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Render.Stats())
}

func (h *handlers) tasks(w http.ResponseWriter, _ *http.Request) {
	if h.d.Tasks == nil {
		writeErr(w, http.StatusNotFound, "task engine not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Tasks.Snapshot())
}

func (h *handlers) scheduler(w http.ResponseWriter, _ *http.Request) {
	if h.d.Scheduler == nil {
		writeErr(w, http.StatusNotFound, "scheduler not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.d.Scheduler.Snapshot())
}

// bearerAuth accepts "Authorization: Bearer <token>" or ?token=. An empty
// token disables the check.
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(ah)
				}
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeErr(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
