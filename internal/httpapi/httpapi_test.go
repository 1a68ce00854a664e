package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"timetablebot/internal/render"
	"timetablebot/pkg/logx"
)

type fakeRenderer struct{ healthy bool }

func (f fakeRenderer) Healthcheck(context.Context) bool { return f.healthy }
func (f fakeRenderer) Stats() render.EngineStats {
	return render.EngineStats{Submitted: 3, Succeeded: 2, Failed: 1}
}

func do(t *testing.T, h http.Handler, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	h := NewRouter(Deps{}, "secret", false)
	if rec := do(t, h, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("code=%d body=%q", rec.Code, rec.Body.String())
	}
}

func TestAuth(t *testing.T) {
	h := NewRouter(Deps{Render: fakeRenderer{healthy: true}}, "secret", false)
	tests := []struct {
		target, auth string
		want         int
	}{
		{"/render/stats", "", http.StatusUnauthorized},
		{"/render/stats", "wrong", http.StatusUnauthorized},
		{"/render/stats", "secret", http.StatusOK},
		{"/render/stats?token=secret", "", http.StatusOK},
	}
	for _, tc := range tests {
		if rec := do(t, h, tc.target, tc.auth); rec.Code != tc.want {
			t.Fatalf("%s auth=%q: code=%d want %d", tc.target, tc.auth, rec.Code, tc.want)
		}
	}
}

func TestRenderStats(t *testing.T) {
	h := NewRouter(Deps{Render: fakeRenderer{}}, "", false)
	rec := do(t, h, "/render/stats", "")
	var st render.EngineStats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Submitted != 3 || st.Failed != 1 {
		t.Fatalf("stats=%+v", st)
	}
	if rec := do(t, NewRouter(Deps{}, "", false), "/tasks", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing task engine code=%d", rec.Code)
	}
}

func TestDeepHealth(t *testing.T) {
	deps := Deps{
		Render: fakeRenderer{healthy: true},
		Pings: map[string]func(context.Context) error{
			"store": func(context.Context) error { return nil },
			"redis": func(context.Context) error { return errors.New("connection refused") },
		},
	}
	h := NewRouter(deps, "", false)

	if rec := do(t, h, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("shallow code=%d", rec.Code)
	}
	rec := do(t, h, "/health?deep=true", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("deep code=%d", rec.Code)
	}
	var rep healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Status != "degraded" || rep.Checks["render"] != "ok" || rep.Checks["store"] != "ok" || rep.Checks["redis"] != "connection refused" {
		t.Fatalf("report=%+v", rep)
	}
}

func TestPprofOptIn(t *testing.T) {
	if rec := do(t, NewRouter(Deps{}, "", false), "/debug/pprof/", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof without opt-in code=%d", rec.Code)
	}
	if rec := do(t, NewRouter(Deps{}, "", true), "/debug/pprof/", ""); rec.Code != http.StatusOK {
		t.Fatalf("pprof code=%d", rec.Code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:8081": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8081":          false,
		"0.0.0.0:8081":   false,
		"10.0.0.5:8081":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("%s: got %v want %v", addr, got, want)
		}
	}
}

func TestServiceLifecycle(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Deps{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatalf("server never bound")
		}
		addr = svc.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body=%q", body)
	}

	svc.Reconfigure(ctx, Config{Enabled: false})
	if svc.Supervisor() != nil {
		t.Fatalf("supervisor still set after disable")
	}
}
