// Package server exposes a running engine as a remote console. Commands
// arrive over gRPC or Connect and execute on the game thread; allocator
// and VM figures are published for Prometheus on /metrics.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"

	"github.com/chazu/strata/vm"
)

var log = commonlog.GetLogger("server")

// Server is the remote console wrapping a running VM.
// It serves gRPC (binary protobuf) and Connect (HTTP/JSON) on the same
// port, next to /metrics.
type Server struct {
	worker  *Worker
	console *ConsoleService
	metrics *Metrics
	grpc    *grpc.Server
	mux     *http.ServeMux
	http    *http.Server
}

// Option configures a Server.
type Option func(*config)

type config struct {
	tickInterval time.Duration
	registry     *prometheus.Registry
}

// WithTickInterval ticks the VM and the allocator chain at the given
// interval. Zero leaves frame ticks to the caller.
func WithTickInterval(d time.Duration) Option {
	return func(c *config) { c.tickInterval = d }
}

// WithRegistry publishes metrics on reg instead of a private registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// New creates a Server that owns v. The VM must not be used directly
// afterwards; go through Worker().Do.
func New(v *vm.VM, opts ...Option) (*Server, error) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.registry == nil {
		cfg.registry = prometheus.NewRegistry()
	}

	worker := NewWorker(v, cfg.tickInterval)
	metrics, err := NewMetrics(worker, cfg.registry)
	if err != nil {
		worker.Stop()
		return nil, err
	}

	s := &Server{
		worker:  worker,
		console: NewConsoleService(worker, metrics),
		metrics: metrics,
		grpc:    grpc.NewServer(),
		mux:     http.NewServeMux(),
	}
	protocols := new(http.Protocols)
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	s.http = &http.Server{
		Handler:           s,
		Protocols:         protocols,
		ReadHeaderTimeout: 10 * time.Second,
	}
	RegisterConsoleServer(s.grpc, s.console)

	s.mux.Handle(ExecProcedure, connect.NewUnaryHandler(ExecProcedure, s.console.connectExec))
	s.mux.Handle("/metrics", promhttp.HandlerFor(cfg.registry, promhttp.HandlerOpts{}))
	return s, nil
}

// Worker returns the game thread worker.
func (s *Server) Worker() *Worker { return s.worker }

// Console returns the console service.
func (s *Server) Console() *ConsoleService { return s.console }

// GRPCServer returns the gRPC server carrying the console service.
func (s *Server) GRPCServer() *grpc.Server { return s.grpc }

// ServeHTTP sends gRPC requests to the gRPC server and everything else to
// the Connect and metrics handlers.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ProtoMajor == 2 && strings.HasPrefix(r.Header.Get("Content-Type"), "application/grpc") {
		s.grpc.ServeHTTP(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server on the given address.
// The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve accepts HTTP/1.1 and unencrypted HTTP/2 connections on l.
func (s *Server) Serve(l net.Listener) error {
	addr := l.Addr().String()
	log.Noticef("console listening on %s", addr)
	log.Infof("  Connect (HTTP/JSON): http://%s%s", addr, ExecProcedure)
	log.Infof("  gRPC (binary):       grpc://%s", addr)
	log.Infof("  metrics:             http://%s/metrics", addr)
	err := s.http.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, then stops the game thread.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.grpc.Stop()
	s.worker.Stop()
	return err
}

// Exec runs cmd on the game thread, for callers in the same process.
func (s *Server) Exec(ctx context.Context, cmd string) (string, error) {
	return s.console.Run(ctx, cmd)
}
