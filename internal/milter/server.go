// Package milter connects the BATV filter to an MTA over the milter protocol.
package milter

import (
	"context"
	"io/fs"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/d--j/go-milter"

	"github.com/shineum/batv-milter/internal/filter"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// actions are the message changes the filter may request.
const actions = milter.OptChangeFrom | milter.OptAddHeader | milter.OptChangeHeader |
	milter.OptAddRcpt | milter.OptRemoveRcpt

// protocol skips events the filter never looks at.
const protocol = milter.OptNoHelo | milter.OptNoBody | milter.OptNoUnknown | milter.OptNoData

// ServerConfig holds the configuration for a milter server.
type ServerConfig struct {
	// Listen is the socket address, see ParseListen.
	Listen string

	// SocketMode is applied to a unix socket after it is created.
	// Zero keeps the process umask.
	SocketMode fs.FileMode

	Filter *filter.Filter
}

// Server accepts MTA connections and runs a filter session for each.
type Server struct {
	config   ServerConfig
	listener net.Listener

	// wg tracks in-flight connections for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server with the given configuration.
func New(cfg ServerConfig) *Server {
	return &Server{config: cfg}
}

// ListenAndServe starts the milter server and blocks until the context is
// cancelled. On cancellation it stops accepting connections and waits up to
// 30 seconds for in-flight ones to end.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ep, err := ParseListen(s.config.Listen)
	if err != nil {
		return err
	}
	ln, err := Listen(ep, s.config.SocketMode)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve runs the server on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln

	srv := milter.NewServer(
		milter.WithMilter(func() milter.Milter {
			return s.track(newBackend(s.config.Filter))
		}),
		milter.WithAction(actions),
		milter.WithProtocol(protocol),
	)

	slog.Info("milter server listening",
		"network", ln.Addr().Network(),
		"addr", ln.Addr().String(),
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down milter server")
		ln.Close()
	}()

	err := srv.Serve(ln)
	select {
	case <-ctx.Done():
		// Expected error from listener close during shutdown
		s.waitForSessions()
		srv.Close()
		return nil
	default:
		srv.Close()
		return err
	}
}

// track counts b as in flight until its connection is cleaned up.
func (s *Server) track(b *backend) milter.Milter {
	s.wg.Add(1)
	return &trackedBackend{backend: b, done: s.wg.Done}
}

type trackedBackend struct {
	*backend
	once sync.Once
	done func()
}

func (t *trackedBackend) Cleanup() {
	t.backend.Cleanup()
	t.once.Do(t.done)
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
