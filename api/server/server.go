// Package server contains the companion server: it owns exactly one
// target, serves its capabilities over a listening interface, tracks every
// spawned continuation, and exposes a single future that resolves once the
// server has fully stopped.
package server

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/blacktop/companion/internal/config"
	"github.com/blacktop/companion/pkg/future"
	"github.com/blacktop/companion/pkg/stream"
	"github.com/blacktop/companion/pkg/target"
)

var (
	// ErrInitialization marks a construction failure; no usable server
	// instance exists when it is returned.
	ErrInitialization = errors.New("server: initialization failed")
	// ErrBind marks a listener that could not be acquired.
	ErrBind = errors.New("server: bind failure")
	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("server: already started")
)

// State is the server lifecycle state.
type State int

const (
	Constructed State = iota
	Starting
	Serving
	Completed
)

func (s State) String() string {
	switch s {
	case Constructed:
		return "constructed"
	case Starting:
		return "starting"
	case Serving:
		return "serving"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Options configures a companion server.
type Options struct {
	Target             target.Target
	Config             *config.Config
	TemporaryDirectory string
	EventReporter      EventReporter
	Logger             *log.Entry
}

// Server serves one target.
type Server struct {
	target   target.Target
	conf     *config.Config
	tmpDir   string
	reporter EventReporter
	log      *log.Entry
	registry *Registry

	mu       sync.Mutex
	state    State
	listener net.Listener
	httpSrv  *http.Server
	session  stream.BitmapStream

	completed    *future.Future[future.Void]
	completedRes *future.Resolver[future.Void]
	shutdownOnce sync.Once
}

// New validates options and constructs a server. On error no instance is
// returned.
func New(opts Options) (*Server, error) {
	if opts.Target == nil {
		return nil, errors.Wrap(ErrInitialization, "no target")
	}
	if opts.Config == nil {
		return nil, errors.Wrap(ErrInitialization, "no configuration")
	}
	tmpDir := opts.TemporaryDirectory
	if tmpDir == "" {
		tmpDir = opts.Config.TmpDir
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, errors.Wrapf(ErrInitialization, "temporary directory: %v", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("pkg", "server").WithField("udid", opts.Target.UDID())
	}
	reporter := opts.EventReporter
	if reporter == nil {
		reporter = &logReporter{log: logger}
	}
	s := &Server{
		target:   opts.Target,
		conf:     opts.Config,
		tmpDir:   tmpDir,
		reporter: reporter,
		log:      logger,
		registry: NewRegistry(),
		state:    Constructed,
	}
	s.completed, s.completedRes = future.New[future.Void](future.WithName("server.completed"))
	return s, nil
}

// State reports the server lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry exposes the continuation registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Start binds the configured listener and begins serving. The returned
// future resolves with the bound port; with a configured port of 0 the
// kernel picks one.
func (s *Server) Start() *future.Future[int] {
	s.mu.Lock()
	if s.state != Constructed {
		s.mu.Unlock()
		return future.Errored[int](ErrAlreadyStarted)
	}
	s.state = Starting
	s.mu.Unlock()

	addr := net.JoinHostPort(s.conf.Host, strconv.Itoa(s.conf.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Lock()
		s.state = Constructed
		s.mu.Unlock()
		return future.Errored[int](errors.Wrapf(ErrBind, "%s: %v", addr, err))
	}

	if s.conf.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	s.addRoutes(router)

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: router}
	s.state = Serving
	s.mu.Unlock()

	go func() {
		// Serve returns once the listener closes; treat that as an
		// external shutdown trigger.
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Warn("listener closed")
		}
		s.Shutdown()
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s.log.WithField("port", port).Info("companion serving")
	s.reporter.ReportEvent("server.started", map[string]any{
		"udid": s.target.UDID(),
		"port": port,
	})
	return future.Resolved(port)
}

// Completed returns the future that resolves once serving has ended and
// every registered continuation has reached a terminal state.
func (s *Server) Completed() *future.Future[future.Void] {
	return s.completed
}

// Shutdown stops the server: no new work is accepted, every outstanding
// continuation is cancelled, and Completed resolves once they all settle.
// Idempotent; concurrent calls converge on the single resolution.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		go s.doShutdown()
	})
}

func (s *Server) doShutdown() {
	s.log.Info("companion shutting down")

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close() // stop accepting new work
	}

	s.registry.Drain()
	live := s.registry.Snapshot()
	settled := make([]*future.Future[future.Void], 0, len(live))
	for id, cont := range live {
		s.log.WithField("id", id.String()).WithField("type", string(cont.Type())).
			Debug("cancelling continuation")
		settled = append(settled, future.Settle(cont.Completed()))
		// Cancel may block in a continuation's teardown hook; the grace
		// period below bounds the wait, not the hook.
		go cont.Cancel()
	}

	if len(settled) > 0 {
		all := future.Timeout(future.AwaitAll(settled...), s.conf.GracePeriod)
		if _, err := all.Result(); err != nil {
			// Unresponsive continuations are a diagnostic, never a
			// shutdown failure.
			s.log.WithError(err).Warnf("%d continuation(s) unresponsive after %s",
				s.registry.Len(), s.conf.GracePeriod)
		}
	}

	s.mu.Lock()
	srv := s.httpSrv
	s.state = Completed
	s.mu.Unlock()
	if srv != nil {
		srv.Close()
	}

	s.reporter.ReportEvent("server.completed", map[string]any{
		"udid": s.target.UDID(),
	})
	s.completedRes.Succeed(future.Void{})
}

// setSession records the most recent streaming session so the control
// routes can address it.
func (s *Server) setSession(sess stream.BitmapStream) {
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()
}

func (s *Server) clearSession(sess stream.BitmapStream) {
	s.mu.Lock()
	if s.session == sess {
		s.session = nil
	}
	s.mu.Unlock()
}

func (s *Server) currentSession() stream.BitmapStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}
