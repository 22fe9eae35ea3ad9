package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"url-proxy-go/internal/model"
	"url-proxy-go/internal/policy"
)

// methodNotAllowed is the body of the response to any non-GET proxy request.
const methodNotAllowed = "MethodNotAllowed"

// Processor runs an admitted request to a final response.
type Processor interface {
	Handle(req *model.ProxyRequest) *model.ProxyResponse
}

// ProxyHandler admits fetch-by-URL requests and streams the final response.
type ProxyHandler struct {
	service Processor
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc Processor, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle rejects anything but GET, then hands the request to the state
// machine and relays whatever response it settles on. The inbound body is
// never read.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method != http.MethodGet {
		resp := policy.TextResponse(http.StatusMethodNotAllowed, methodNotAllowed)
		resp.Header.Set(echo.HeaderAllow, http.MethodGet)
		return h.write(c, resp)
	}

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header.Clone(),
	}

	return h.write(c, h.service.Handle(pr))
}

func (h *ProxyHandler) write(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Close() }()

	dst := c.Response().Header()
	for key, vals := range resp.Header {
		dst[key] = append([]string(nil), vals...)
	}
	c.Response().WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return nil
	}

	// The status line is already out, so a failed copy can only truncate
	// the body.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}
	return nil
}
