// Package policy builds the headers the gateway sends upstream and returns
// to clients. Everything here is pure: no I/O and no shared mutable state.
package policy

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"url-proxy-go/internal/model"
)

// DefaultCacheControl is applied when the upstream sends no caching headers.
const DefaultCacheControl = "public, max-age=31536000"

// defaultAccept is sent when the client does not state an Accept-Encoding.
const defaultAccept = "image/*"

// securityHeaders is the baseline set present on every request and response.
var securityHeaders = [...][2]string{
	{"X-Frame-Options", "deny"},
	{"X-XSS-Protection", "1; mode=block"},
	{"X-Content-Type-Options", "nosniff"},
	{"Content-Security-Policy", "default-src 'none'; img-src data:; style-src 'unsafe-inline'"},
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
}

// Action describes how a response header is derived from the upstream.
type Action int

const (
	// CopyIfPresent relays the upstream value when one is set.
	CopyIfPresent Action = iota
	// DefaultIfAbsent relays the upstream value, or applies the rule's
	// default when none of the rule's Unless headers are set either.
	DefaultIfAbsent
)

// Rule is one row of the response header table.
type Rule struct {
	Header  string
	Action  Action
	Default string
	Unless  []string
}

// ResponseRules is the response header policy, applied in order.
var ResponseRules = []Rule{
	{Header: "Content-Type", Action: CopyIfPresent},
	{Header: "Etag", Action: CopyIfPresent},
	{Header: "Expires", Action: CopyIfPresent},
	{Header: "Last-Modified", Action: CopyIfPresent},
	{Header: "Content-Length", Action: CopyIfPresent},
	{Header: "Transfer-Encoding", Action: CopyIfPresent},
	{Header: "Content-Encoding", Action: CopyIfPresent},
	{
		Header:  "Cache-Control",
		Action:  DefaultIfAbsent,
		Default: DefaultCacheControl,
		Unless:  []string{"Expires", "Last-Modified"},
	},
}

// SecurityHeaders returns a fresh copy of the baseline security headers.
func SecurityHeaders() http.Header {
	h := make(http.Header, len(securityHeaders)+4)
	for _, kv := range securityHeaders {
		h.Set(kv[0], kv[1])
	}
	return h
}

// BuildProxyRequest returns the headers for an upstream fetch. Only the
// client's Accept-Encoding is carried over; the User-Agent is always ours.
func BuildProxyRequest(inbound http.Header, userAgent string) http.Header {
	h := SecurityHeaders()
	h.Set("User-Agent", userAgent)
	if vals := inbound.Values("Accept-Encoding"); len(vals) > 0 {
		h["Accept-Encoding"] = append([]string(nil), vals...)
	} else {
		h.Set("Accept", defaultAccept)
	}
	return h
}

// BuildProxyResponse re-frames an upstream response. Non-2xx responses are
// returned without content-type enforcement; a 2xx response must carry an
// allowed Content-Type or ErrInvalidContentType is returned and the caller
// keeps ownership of the upstream body.
func BuildProxyResponse(upstream *model.ProxyResponse, allowed func(string) bool) (*model.ProxyResponse, error) {
	h := SecurityHeaders()
	applyRules(h, upstream.Header, ResponseRules)

	resp := &model.ProxyResponse{
		StatusCode: upstream.StatusCode,
		Header:     h,
		Body:       upstream.Body,
	}

	if !isSuccess(upstream.StatusCode) {
		return resp, nil
	}

	ct := h.Get("Content-Type")
	if ct == "" {
		return nil, fmt.Errorf("%w: upstream sent no content type", model.ErrInvalidContentType)
	}
	if allowed == nil || !allowed(ct) {
		return nil, fmt.Errorf("%w: %q is not allowed", model.ErrInvalidContentType, ct)
	}
	return resp, nil
}

// ErrorResponse renders a proxy failure as a 400 whose body is the error tag.
func ErrorResponse(err error) *model.ProxyResponse {
	return TextResponse(http.StatusBadRequest, model.AsProxyError(err).Error())
}

// TextResponse renders a short plain-text response with the baseline
// security headers.
func TextResponse(status int, body string) *model.ProxyResponse {
	h := SecurityHeaders()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func applyRules(dst, src http.Header, rules []Rule) {
	for _, r := range rules {
		if vals := src.Values(r.Header); len(vals) > 0 && strings.TrimSpace(vals[0]) != "" {
			dst[http.CanonicalHeaderKey(r.Header)] = append([]string(nil), vals...)
			continue
		}
		if r.Action != DefaultIfAbsent || anyPresent(src, r.Unless) {
			continue
		}
		dst.Set(r.Header, r.Default)
	}
}

func anyPresent(h http.Header, names []string) bool {
	for _, n := range names {
		if strings.TrimSpace(h.Get(n)) != "" {
			return true
		}
	}
	return false
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}
