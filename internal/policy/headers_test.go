package policy

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"url-proxy-go/internal/model"
)

func allowPNG(ct string) bool { return strings.HasPrefix(ct, "image/png") }

func upstream(status int, header http.Header, body string) *model.ProxyResponse {
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func assertSecurityHeaders(t *testing.T, h http.Header) {
	t.Helper()
	assert.Equal(t, "deny", h.Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", h.Get("X-XSS-Protection"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, h.Get("Content-Security-Policy"))
	assert.Equal(t, "max-age=31536000; includeSubDomains", h.Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_ReturnsFreshCopy(t *testing.T) {
	a := SecurityHeaders()
	a.Set("X-Frame-Options", "sameorigin")

	b := SecurityHeaders()
	assert.Equal(t, "deny", b.Get("X-Frame-Options"))
}

func TestBuildProxyRequest(t *testing.T) {
	tests := []struct {
		name    string
		inbound http.Header
		want    http.Header
	}{
		{
			name:    "accept-encoding forwarded verbatim",
			inbound: http.Header{"Accept-Encoding": {"gzip"}},
			want:    http.Header{"Accept-Encoding": {"gzip"}},
		},
		{
			name:    "default accept without accept-encoding",
			inbound: http.Header{},
			want:    http.Header{"Accept": {"image/*"}},
		},
		{
			name: "client user-agent and accept are not forwarded",
			inbound: http.Header{
				"User-Agent":    {"curl/8.0"},
				"Accept":        {"text/html"},
				"Cookie":        {"session=abc"},
				"Authorization": {"Bearer secret"},
			},
			want: http.Header{"Accept": {"image/*"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildProxyRequest(tt.inbound, "test-agent/1.0")

			want := SecurityHeaders()
			want.Set("User-Agent", "test-agent/1.0")
			for k, v := range tt.want {
				want[k] = v
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("BuildProxyRequest() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBuildProxyRequest_DoesNotAliasInbound(t *testing.T) {
	inbound := http.Header{"Accept-Encoding": {"gzip", "br"}}
	got := BuildProxyRequest(inbound, "ua")
	got["Accept-Encoding"][0] = "identity"

	assert.Equal(t, []string{"gzip", "br"}, inbound["Accept-Encoding"])
}

func TestBuildProxyResponse_CopiesAllowedHeaders(t *testing.T) {
	src := http.Header{
		"Content-Type":     {"image/png"},
		"Etag":             {`"abc"`},
		"Expires":          {"Thu, 01 Dec 2030 16:00:00 GMT"},
		"Last-Modified":    {"Tue, 15 Nov 1994 12:45:26 GMT"},
		"Content-Length":   {"42"},
		"Content-Encoding": {"gzip"},
		"Set-Cookie":       {"session=abc"},
		"Server":           {"nginx"},
		"X-Frame-Options":  {"ALLOWALL"},
	}

	resp, err := BuildProxyResponse(upstream(http.StatusOK, src, "png"), allowPNG)
	require.NoError(t, err)

	want := SecurityHeaders()
	for _, k := range []string{"Content-Type", "Etag", "Expires", "Last-Modified", "Content-Length", "Content-Encoding"} {
		want[k] = src[k]
	}
	if diff := cmp.Diff(want, resp.Header); diff != "" {
		t.Errorf("response headers mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "png", string(body))
}

func TestBuildProxyResponse_CacheControl(t *testing.T) {
	tests := []struct {
		name string
		src  http.Header
		want string
	}{
		{"default when no cache headers", http.Header{}, DefaultCacheControl},
		{"upstream cache-control relayed", http.Header{"Cache-Control": {"no-store"}}, "no-store"},
		{"blank cache-control gets default", http.Header{"Cache-Control": {" "}}, DefaultCacheControl},
		{"expires suppresses default", http.Header{"Expires": {"Thu, 01 Dec 2030 16:00:00 GMT"}}, ""},
		{"last-modified suppresses default", http.Header{"Last-Modified": {"Tue, 15 Nov 1994 12:45:26 GMT"}}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.src.Set("Content-Type", "image/png")
			resp, err := BuildProxyResponse(upstream(http.StatusOK, tt.src, ""), allowPNG)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Header.Get("Cache-Control"))
		})
	}
}

func TestBuildProxyResponse_ContentTypeEnforcement(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		wantErr     bool
	}{
		{"2xx allowed", http.StatusOK, "image/png", false},
		{"2xx allowed with params", http.StatusOK, "image/png; charset=binary", false},
		{"206 allowed", http.StatusPartialContent, "image/png", false},
		{"2xx missing content type", http.StatusOK, "", true},
		{"2xx disallowed", http.StatusOK, "text/html", true},
		{"304 not enforced", http.StatusNotModified, "", false},
		{"404 not enforced", http.StatusNotFound, "text/html", false},
		{"500 not enforced", http.StatusInternalServerError, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := http.Header{}
			if tt.contentType != "" {
				src.Set("Content-Type", tt.contentType)
			}

			resp, err := BuildProxyResponse(upstream(tt.status, src, "body"), allowPNG)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, model.ErrInvalidContentType))
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			assertSecurityHeaders(t, resp.Header)
		})
	}
}

func TestBuildProxyResponse_NilPredicateRejects(t *testing.T) {
	src := http.Header{"Content-Type": {"image/png"}}
	_, err := BuildProxyResponse(upstream(http.StatusOK, src, ""), nil)
	assert.ErrorIs(t, err, model.ErrInvalidContentType)
}

func TestErrorResponse(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{model.ErrNoQueryParameter, "NoQueryParameter"},
		{model.ErrInvalidURL, "InvalidUrl"},
		{model.ErrTooManyRedirects, "TooManyRedirects"},
		{model.ErrBadRedirect, "BadRedirect"},
		{model.ErrInvalidContentType, "InvalidContentType"},
		{errors.New("dial tcp: connection refused"), "RequestFailed"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			resp := ErrorResponse(tt.err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assertSecurityHeaders(t, resp.Header)
			assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(body))
			assert.Equal(t, len(tt.want), len(body))
		})
	}
}

func TestSecurityHeaders_IdenticalOnSuccessAndError(t *testing.T) {
	ok, err := BuildProxyResponse(upstream(http.StatusOK, http.Header{"Content-Type": {"image/png"}}, ""), allowPNG)
	require.NoError(t, err)
	fail := ErrorResponse(model.ErrBadRedirect)

	for _, kv := range securityHeaders {
		assert.Equal(t, ok.Header.Get(kv[0]), fail.Header.Get(kv[0]), kv[0])
	}
}
