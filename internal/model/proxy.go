// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest is the inbound client request as admitted by the gateway.
// It is never mutated once admitted; the state machine carries it through
// every state for observability only.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
}

// URI returns the request path and query as seen by the client.
func (r *ProxyRequest) URI() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// ProxyResponse represents a response to be streamed back to the client,
// either relayed from the upstream or rendered by the gateway.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Close releases the response body, if any.
func (r *ProxyResponse) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	return r.Body.Close()
}
