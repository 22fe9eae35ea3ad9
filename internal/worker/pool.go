// Package worker runs the gateway's HTTP workers: N independent servers,
// each on its own listener, all bound to the same port.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/fx"
	"golang.org/x/sync/errgroup"

	"url-proxy-go/internal/config"
	"url-proxy-go/internal/metrics"
)

// Inbound timeouts to mitigate slow-client attacks. WriteTimeout stays 0 so
// long image transfers are not cut off; the upstream timeout bounds them.
const (
	readTimeout       = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// HandlerBuilder builds the handler graph of one worker. It is called once
// per worker, with ids 0..N-1, so nothing it returns is shared between
// workers unless the builder shares it.
type HandlerBuilder func(worker int) (http.Handler, error)

// Pool owns the workers. A fatal error in any worker stops all of them and,
// when a shutdowner is set, ends the process with exit code 1.
type Pool struct {
	addr     string
	size     int
	build    HandlerBuilder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	shutdown fx.Shutdowner

	mu        sync.Mutex
	servers   []*http.Server
	listeners []net.Listener
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	stopping  atomic.Bool
}

// Option customizes a Pool.
type Option func(*Pool)

// WithShutdowner makes a fatal worker error shut the fx application down.
func WithShutdowner(s fx.Shutdowner) Option {
	return func(p *Pool) { p.shutdown = s }
}

// WithAddr overrides the bind address taken from the config.
func WithAddr(addr string) Option {
	return func(p *Pool) { p.addr = addr }
}

// NewPool creates a pool of cfg.Server.Workers workers bound to the
// configured address. The metrics parameter is optional.
func NewPool(cfg *config.Config, build HandlerBuilder, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Pool {
	p := &Pool{
		addr:    cfg.Server.Addr(),
		size:    cfg.Server.Workers,
		build:   build,
		logger:  logger.With("component", "worker_pool"),
		metrics: m,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start binds every listener and builds every worker before serving
// anything; any failure there closes what was opened and is returned.
// Serving itself continues in the background until Stop or a fatal error.
func (p *Pool) Start(ctx context.Context) error {
	if p.size <= 0 {
		return fmt.Errorf("worker pool: size must be > 0, got %d", p.size)
	}

	servers := make([]*http.Server, 0, p.size)
	listeners := make([]net.Listener, 0, p.size)
	closeAll := func() {
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}

	for i := range p.size {
		ln, err := Listen(ctx, p.addr)
		if err != nil {
			closeAll()
			return fmt.Errorf("worker %d: bind %s: %w", i, p.addr, err)
		}
		listeners = append(listeners, ln)

		h, err := p.build(i)
		if err != nil {
			closeAll()
			return fmt.Errorf("worker %d: build handler: %w", i, err)
		}
		servers = append(servers, &http.Server{
			Handler:           h,
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			IdleTimeout:       idleTimeout,
			ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelWarn),
		})
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)

	p.mu.Lock()
	p.servers = servers
	p.listeners = listeners
	p.cancel = cancel
	p.mu.Unlock()

	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			p.workerUp()
			defer p.workerDown()
			p.logger.Info("worker serving", "worker", i, "addr", ln.Addr().String())
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			return nil
		})
	}

	// Once any worker fails, or Stop cancels runCtx, close the rest.
	g.Go(func() error {
		<-gctx.Done()
		for _, srv := range servers {
			_ = srv.Close()
		}
		return nil
	})

	go p.wait(g)

	p.logger.Info("workers started", "workers", p.size, "addr", p.addr)
	return nil
}

func (p *Pool) wait(g *errgroup.Group) {
	err := g.Wait()

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	defer close(p.done)

	if err == nil || p.stopping.Load() {
		return
	}
	p.logger.Error("worker failed, shutting down", "err", err)
	if p.shutdown != nil {
		if serr := p.shutdown.Shutdown(fx.ExitCode(1)); serr != nil {
			p.logger.Error("requesting shutdown", "err", serr)
		}
	}
}

// Stop gracefully shuts every worker down, waiting for in-flight requests
// until ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopping.Store(true)

	p.mu.Lock()
	servers := p.servers
	cancel := p.cancel
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	cancel()

	select {
	case <-p.done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	p.logger.Info("workers stopped")
	return errors.Join(errs...)
}

// Done is closed once every worker has returned.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Err returns the first fatal worker error, if any, once Done is closed.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pool) workerUp() {
	if p.metrics != nil {
		p.metrics.Workers.Inc()
	}
}

func (p *Pool) workerDown() {
	if p.metrics != nil {
		p.metrics.Workers.Dec()
	}
}
