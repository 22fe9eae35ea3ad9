package middleware

import (
	"github.com/labstack/echo/v4"

	"url-proxy-go/internal/policy"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that sets the baseline security
// headers on every response and strips hop-by-hop headers from requests.
// Headers are set before the handler runs so that router errors (404, 405)
// and panics recovered further out carry them too.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			dst := c.Response().Header()
			for k, v := range policy.SecurityHeaders() {
				dst[k] = v
			}

			return next(c)
		}
	}
}
