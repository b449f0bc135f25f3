// Package api is the operator HTTP surface: health, status, manual triggers,
// fetch history, notification jobs and cached snapshots.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	rtsup "govwatch/internal/runtime/supervisor"
	logx "govwatch/pkg/logx"
)

// Config controls the API server.
//
// Security:
//   - Prefer binding to localhost.
//   - A non-loopback Addr requires Token unless AllowInsecure is set.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool
	// ServiceName labels otelgin spans. Empty disables the middleware.
	ServiceName string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
	return c
}

type Server struct {
	cfg    Config
	log    logx.Logger
	deps   Deps
	router *gin.Engine

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	srv  *http.Server
	addr string
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), log: log.With(logx.String("comp", "api")), deps: deps}
	s.router = s.routes()
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the bound address once the server is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener synchronously so address errors surface to the
// caller, then serves under a supervisor.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	cur := s.cfg
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(cur.Addr) {
		return fmt.Errorf("api refused to start: non-loopback addr %q requires a token", cur.Addr)
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(cur.Addr) {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", cur.Addr))
	}

	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", cur.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cur.ReadHeaderTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	s.srv = srv
	s.addr = ln.Addr().String()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.log.Error("api server exited", logx.Err(err))
		return err
	})
	s.log.Info("api started",
		logx.String("addr", s.addr),
		logx.Bool("token_set", cur.Token != ""),
		logx.Bool("pprof", cur.Pprof),
	)
	return nil
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	s.log.Info("api stopped")
	return err
}

func (s *Server) middleware() []gin.HandlerFunc {
	var mw []gin.HandlerFunc
	if s.cfg.ServiceName != "" {
		mw = append(mw, otelgin.Middleware(s.cfg.ServiceName))
	}
	return append(mw, s.recovery(), s.accessLog())
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
