// Package service implements the proxy request state machine.
package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"url-proxy-go/internal/config"
	"url-proxy-go/internal/metrics"
	"url-proxy-go/internal/model"
	"url-proxy-go/internal/policy"
)

// queryParam names the inbound query parameter carrying the target URL.
const queryParam = "q"

// maxDrainBytes bounds how much of a redirect body is read so the
// connection can be reused.
const maxDrainBytes = 64 << 10

// redirectStatuses are the only statuses followed as redirects. Every other
// 3xx, 304 and 308 included, is relayed as a terminal response.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusSeeOther:          true,
	http.StatusTemporaryRedirect: true,
}

// Upstream issues a GET for a target URL.
type Upstream interface {
	Request(ctx context.Context, target *url.URL, header http.Header) (*model.ProxyResponse, error)
}

// ProxyService drives proxy requests from admission to a final response.
// It holds only read-only state and is safe for concurrent use.
type ProxyService struct {
	upstream     Upstream
	maxRedirects int
	userAgent    string
	allowed      func(string) bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewProxyService creates a ProxyService. The allowed predicate decides which
// upstream content types may be relayed. The metrics parameter is optional.
func NewProxyService(up Upstream, cfg *config.Config, allowed func(string) bool, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		upstream:     up,
		maxRedirects: cfg.Proxy.MaxRedirects,
		userAgent:    cfg.Proxy.UserAgent,
		allowed:      allowed,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
	}
}

// Handle runs a freshly admitted request to completion.
func (s *ProxyService) Handle(req *model.ProxyRequest) *model.ProxyResponse {
	_, resp := s.Process(Incoming{Request: req})
	return resp
}

// Process applies transitions until the state machine reaches Done and
// returns the original request with the final response. It never fails:
// every error is rendered into the response. The caller owns the response
// body.
func (s *ProxyService) Process(state State) (*model.ProxyRequest, *model.ProxyResponse) {
	hops := 0
	for {
		switch st := state.(type) {
		case Done:
			s.emit(st, hops)
			return st.Request, st.Response
		case Proxy:
			hops++
		}
		state = s.step(state)
	}
}

// step performs exactly one transition.
func (s *ProxyService) step(state State) State {
	switch st := state.(type) {
	case Incoming:
		target, err := TargetURL(st.Request.RawQuery)
		if err != nil {
			return Invalid{Request: st.Request, Err: err}
		}
		return Proxy{Request: st.Request, Target: target, RetriesRemaining: s.maxRedirects}

	case Proxy:
		header := policy.BuildProxyRequest(st.Request.Header, s.userAgent)
		resp, err := s.upstream.Request(requestContext(st.Request), st.Target, header)
		if err != nil {
			return Invalid{Request: st.Request, Err: err}
		}
		return ProxyProcessing{
			Request:          st.Request,
			Target:           st.Target,
			Response:         resp,
			RetriesRemaining: st.RetriesRemaining,
		}

	case ProxyProcessing:
		return s.classify(st)

	case Invalid:
		return Done{Request: st.Request, Response: policy.ErrorResponse(st.Err), Err: st.Err}

	case Done:
		return st
	}

	// Unreachable for the sealed State set.
	return Invalid{Request: state.OriginalRequest(), Err: model.ErrRequestFailed}
}

// classify decides what an upstream response means: another hop, a
// terminal response, or a failure.
func (s *ProxyService) classify(st ProxyProcessing) State {
	resp := st.Response

	if redirectStatuses[resp.StatusCode] {
		discard(resp)
		if st.RetriesRemaining == 0 {
			return Invalid{Request: st.Request, Err: model.ErrTooManyRedirects}
		}
		next, err := redirectTarget(st.Target, resp.Header)
		if err != nil {
			return Invalid{Request: st.Request, Err: err}
		}
		if s.metrics != nil {
			s.metrics.RedirectsFollowed.Inc()
		}
		s.logger.Debug("following redirect",
			"from", st.Target.Redacted(),
			"to", next.Redacted(),
			"status", resp.StatusCode,
			"retries_remaining", st.RetriesRemaining-1,
		)
		return Proxy{Request: st.Request, Target: next, RetriesRemaining: st.RetriesRemaining - 1}
	}

	out, err := policy.BuildProxyResponse(resp, s.allowed)
	if err != nil {
		_ = resp.Close()
		return Invalid{Request: st.Request, Err: err}
	}
	return Done{Request: st.Request, Response: out}
}

// emit reports the outcome of one request. It runs once per request.
func (s *ProxyService) emit(st Done, hops int) {
	if st.Err != nil {
		tag := model.AsProxyError(st.Err)
		s.logger.Warn("proxy error",
			"uri", st.Request.URI(),
			"error", string(tag),
			"cause", st.Err.Error(),
			"hops", hops,
		)
		if s.metrics != nil {
			s.metrics.ProxyOutcomes.WithLabelValues(string(tag)).Inc()
		}
		return
	}

	s.logger.Info("proxy request",
		"uri", st.Request.URI(),
		"status", st.Response.StatusCode,
		"hops", hops,
	)
	if s.metrics != nil {
		s.metrics.ProxyOutcomes.WithLabelValues("ok").Inc()
	}
}

// TargetURL extracts the target from the first q parameter of a raw query
// string. A missing parameter is ErrNoQueryParameter; anything that is not
// an absolute http(s) URL with a host is ErrInvalidURL.
func TargetURL(rawQuery string) (*url.URL, error) {
	raw, found, err := lookupQuery(rawQuery, queryParam)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidURL, err)
	}
	if !found {
		return nil, model.ErrNoQueryParameter
	}
	return parseTarget(raw)
}

// lookupQuery returns the first value of key without discarding the
// whole query on an unrelated malformed pair.
func lookupQuery(rawQuery, key string) (string, bool, error) {
	for rawQuery != "" {
		var pair string
		pair, rawQuery, _ = strings.Cut(rawQuery, "&")
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		k, err := url.QueryUnescape(k)
		if err != nil || k != key {
			continue
		}
		v, err = url.QueryUnescape(v)
		if err != nil {
			return "", true, err
		}
		return v, true, nil
	}
	return "", false, nil
}

func parseTarget(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty target", model.ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidURL, err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: unsupported scheme %q", model.ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", model.ErrInvalidURL)
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// redirectTarget resolves the Location header against the URL that
// produced the redirect.
func redirectTarget(from *url.URL, header http.Header) (*url.URL, error) {
	loc := strings.TrimSpace(header.Get("Location"))
	if loc == "" {
		return nil, fmt.Errorf("%w: missing Location header", model.ErrBadRedirect)
	}
	next, err := from.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrBadRedirect, err)
	}
	if next.Host == "" {
		return nil, fmt.Errorf("%w: Location %q has no host", model.ErrBadRedirect, loc)
	}
	next.Fragment = ""
	next.RawFragment = ""
	return next, nil
}

func requestContext(req *model.ProxyRequest) context.Context {
	if req.Ctx == nil {
		return context.Background()
	}
	return req.Ctx
}

// discard drains a bounded amount of an unused body and closes it.
func discard(resp *model.ProxyResponse) {
	if resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}
