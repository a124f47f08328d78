// Package admin serves the health probe and the metrics endpoint of a running
// devserver on a separate listener.
package admin

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kart-io/devserver/pkg/devserver/backend"
	"github.com/kart-io/devserver/pkg/devserver/reload"
)

// HandleSource exposes the current server instance. The supervisor
// implements it.
type HandleSource interface {
	Handle() *backend.Handle
}

// CoordinatorSource exposes the reload state machine.
type CoordinatorSource interface {
	State() reload.State
	LastError() error
}

// Health is the /healthz body.
type Health struct {
	Handle      string `json:"handle,omitempty"`
	PID         int    `json:"pid,omitempty"`
	State       string `json:"state"`
	Coordinator string `json:"coordinator"`
	LastError   string `json:"last_error,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
}

// Server is the admin HTTP endpoint.
type Server struct {
	handles HandleSource
	coord   CoordinatorSource
	metrics *Metrics
	engine  *gin.Engine
}

// New builds the admin routes. metrics may be nil, which disables /metrics.
func New(handles HandleSource, coord CoordinatorSource, metrics *Metrics) *Server {
	s := &Server{
		handles: handles,
		coord:   coord,
		metrics: metrics,
		engine:  gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.engine.GET("/healthz", s.healthz)
	if metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))
	}
	return s
}

// Handler returns the admin routes as a plain http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Check reports the current health and whether it counts as healthy.
func (s *Server) Check() (Health, bool) {
	h := Health{State: backend.StateStopped.String(), Coordinator: s.coord.State().String()}
	if err := s.coord.LastError(); err != nil {
		h.LastError = err.Error()
	}

	cur := s.handles.Handle()
	if cur == nil {
		return h, false
	}
	state := cur.State()
	h.Handle = cur.ID()
	h.PID = cur.PID()
	h.State = state.String()
	h.Uptime = time.Since(cur.StartedAt()).Round(time.Second).String()
	return h, state == backend.StateReady
}

func (s *Server) healthz(c *gin.Context) {
	h, ok := s.Check()
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	body, err := sonic.Marshal(h)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", body)
}

// Serve runs the admin listener until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("Admin endpoint listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	}
}

// ListenAndServe binds addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := backend.Listen(addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
