// Package observability serves /metrics, /healthz and optionally pprof.
package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	rtsup "mssqltask/internal/runtime/supervisor"
	logx "mssqltask/pkg/logx"
)

const (
	DefaultAddr = "127.0.0.1:9464"
	DefaultPath = "/metrics"
	pprofPrefix = "/debug/pprof/"
)

// Config controls the HTTP server.
//
// Security: prefer binding to localhost (default). pprof on a non-loopback
// address is refused.
type Config struct {
	Enabled bool
	Addr    string
	Path    string
	Pprof   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// HealthFunc reports nil when the process is healthy.
type HealthFunc func() error

type Server struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	metrics http.Handler
	health  HealthFunc

	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, metrics http.Handler, health HealthFunc, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, metrics: metrics, health: health, log: log.With(logx.Comp("http"))}
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start is idempotent. The listener is bound synchronously so configuration
// errors surface to the caller; serving runs under a restart loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}
	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Pprof && !isLoopbackAddr(addr) {
		return errors.New("pprof refused: non-loopback addr " + addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// metrics are optional; a broken server never takes the process down.
		rtsup.WithCancelOnError(false),
	)
	srv := &http.Server{
		Handler:      s.mux(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serve(c, srv, addr)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.String("metrics", metricsPath(cfg)),
		logx.Bool("pprof", cfg.Pprof),
	)
	return nil
}

func (s *Server) serve(ctx context.Context, srv *http.Server, addr string) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return err
		}
		s.mu.Lock()
		s.ln = ln
		s.mu.Unlock()
	}

	stop := context.AfterFunc(ctx, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(cctx)
	})
	defer stop()

	err := srv.Serve(ln)
	s.mu.Lock()
	if s.ln == ln {
		s.ln = nil
	}
	s.mu.Unlock()
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

// Stop shuts the server down and waits for it (bounded by ctx).
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	s.mu.Lock()
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	s.mu.Unlock()
	s.log.Info("http stopped")
	return err
}

// Reconfigure restarts the server when cfg differs from the running one.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	same := s.cfg == cfg
	s.mu.Unlock()
	if same {
		return nil
	}
	if err := s.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("http stop failed", logx.Err(err))
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return s.Start(ctx)
}

func (s *Server) mux(cfg Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if s.health != nil {
			if err := s.health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		mux.Handle(metricsPath(cfg), s.metrics)
	}
	if cfg.Pprof {
		mux.HandleFunc(pprofPrefix, hpprof.Index)
		mux.HandleFunc(pprofPrefix+"cmdline", hpprof.Cmdline)
		mux.HandleFunc(pprofPrefix+"profile", hpprof.Profile)
		mux.HandleFunc(pprofPrefix+"symbol", hpprof.Symbol)
		mux.HandleFunc(pprofPrefix+"trace", hpprof.Trace)
	}
	return mux
}

func metricsPath(cfg Config) string {
	p := strings.TrimSpace(cfg.Path)
	if p == "" {
		return DefaultPath
	}
	return p
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
