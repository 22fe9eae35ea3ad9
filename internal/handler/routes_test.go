package handler

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"url-proxy-go/internal/metrics"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("webp"))
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"
	m := metrics.New()

	e := echo.New()
	RegisterRoutes(e, cfg, m, newTestStack(t, cfg), NewHealthHandler(cfg, "test", 1))

	target := "/?q=" + url.QueryEscape(upstream.URL+"/a.webp")

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK, ""},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK, ""},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK, ""},
		{"GET proxy", http.MethodGet, target, http.StatusOK, "webp"},
		{"GET proxy under any path", http.MethodGet, "/x/y" + target[1:], http.StatusOK, "webp"},
		{"POST proxy", http.MethodPost, target, http.StatusMethodNotAllowed, "MethodNotAllowed"},
		{"GET without q", http.MethodGet, "/anything", http.StatusBadRequest, "NoQueryParameter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Path = "/metrics"

	e := echo.New()
	RegisterRoutes(e, cfg, metrics.New(), newTestStack(t, cfg), NewHealthHandler(cfg, "test", 1))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	// Falls through to the proxy endpoint.
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "NoQueryParameter") {
		t.Errorf("got %d %q, want 400 NoQueryParameter", rec.Code, rec.Body.String())
	}
}
