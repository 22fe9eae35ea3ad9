package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"url-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Workers      int    `json:"workers"`
	MaxRedirects int    `json:"max_redirects"`
	AllowedTypes int    `json:"allowed_types"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg          *config.Config
	version      Version
	allowedTypes int
}

// NewHealthHandler creates a HealthHandler. allowedTypes is the size of the
// effective content-type allow-list.
func NewHealthHandler(cfg *config.Config, v Version, allowedTypes int) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, allowedTypes: allowedTypes}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:       "ok",
		Version:      string(h.version),
		Workers:      h.cfg.Server.Workers,
		MaxRedirects: h.cfg.Proxy.MaxRedirects,
		AllowedTypes: h.allowedTypes,
	})
}
