// Package requestlog writes one line per handled request.
//
// Lines look like
//
//	[bookshelf] [INFO] [2026-10-18T09:30:00Z] HTTP/1.1 GET 200 127.0.0.1 1.2ms /books
//
// The destination file is opened on the first line, so a sink that never logs
// never creates a file.
package requestlog

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kart-io/devserver/pkg/devserver/config"
	"github.com/kart-io/devserver/pkg/errors"
)

// Rotation bounds the size of the destination file.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation keeps a small, uncompressed history.
func DefaultRotation() Rotation {
	return Rotation{MaxSizeMB: 50, MaxBackups: 3, MaxAgeDays: 7}
}

// Sink is a request log destination.
type Sink struct {
	project string
	level   config.LogLevel

	mu  sync.Mutex
	out io.Writer
	// closer is nil when out is standard output.
	closer io.Closer
	now    func() time.Time
}

// Option configures a Sink.
type Option func(*Sink)

// WithRotation sets the rotation policy of a file destination.
func WithRotation(r Rotation) Option {
	return func(s *Sink) {
		if lj, ok := s.out.(*lumberjack.Logger); ok {
			lj.MaxSize = r.MaxSizeMB
			lj.MaxBackups = r.MaxBackups
			lj.MaxAge = r.MaxAgeDays
			lj.Compress = r.Compress
		}
	}
}

// WithWriter replaces the destination. The sink does not close w.
func WithWriter(w io.Writer) Option {
	return func(s *Sink) {
		s.out = w
		s.closer = nil
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// New returns a sink for cfg, or nil when logging is disabled. A nil *Sink is
// safe to use and logs nothing.
func New(cfg config.LoggingConfig, project string, opts ...Option) (*Sink, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if project == "" {
		return nil, errors.ErrConfigMissing.WithMessage("request log needs a project tag")
	}

	s := &Sink{
		project: project,
		level:   cfg.Level(),
		out:     os.Stdout,
		now:     time.Now,
	}
	if path := cfg.SinkPath(); path != "" {
		r := DefaultRotation()
		lj := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    r.MaxSizeMB,
			MaxBackups: r.MaxBackups,
			MaxAge:     r.MaxAgeDays,
			LocalTime:  true,
		}
		s.out = lj
		s.closer = lj
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enabled reports whether requests reach the destination.
func (s *Sink) Enabled() bool {
	return s != nil && s.level.Enables(config.LevelInfo)
}

// Middleware wraps next so that every request is logged once it completes.
func (s *Sink) Middleware(next http.Handler) http.Handler {
	if !s.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			s.Log(config.LevelInfo, r, rw.status, s.now().Sub(start))
		}()
		next.ServeHTTP(rw, r)
	})
}

// Log appends one request line at level.
func (s *Sink) Log(level config.LogLevel, r *http.Request, status int, elapsed time.Duration) {
	if s == nil || !s.level.Enables(level) {
		return
	}
	line := fmt.Sprintf("[%s] [%s] [%s] %s %s %d %s %s %s\n",
		s.project,
		level.Tag(),
		s.now().UTC().Format(time.RFC3339),
		r.Proto,
		r.Method,
		status,
		remoteHost(r.RemoteAddr),
		elapsed.Round(time.Microsecond),
		r.URL.Path,
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = io.WriteString(s.out, line)
}

// Close releases the destination file.
func (s *Sink) Close() error {
	if s == nil || s.closer == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closer.Close()
}

func remoteHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

// Flush lets streaming handlers flush through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
