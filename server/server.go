package server

import (
	"context"
	"log/slog"
	"net"

	"github.com/sourcegraph/conc"
)

// ConnFunc handles one accepted connection. An error from it stops the
// server; a handler that only wants to drop its connection returns nil.
type ConnFunc func(context.Context, net.Conn) error

// Server creates a new server
type Server struct {
	config *Config

	l net.Listener

	connFunc ConnFunc

	log *slog.Logger
}

// New creates a new server
func New(ctx context.Context, config *Config, f ConnFunc) (*Server, error) {
	var lc = net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", config.Address)
	if err != nil {
		return nil, err
	}

	return &Server{config, listener, f, slog.With("comp", "server")}, nil
}

// Addr is the address the server is listening on.
func (r *Server) Addr() net.Addr {
	return r.l.Addr()
}

// Serve serves at the configured value. It returns once the listener is
// closed and every connection handler has returned.
func (r *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var wg conc.WaitGroup
	defer wg.Wait()

	r.log.Info("listening", "addr", r.l.Addr().String(), "network", r.l.Addr().Network())
	go func() {
		<-ctx.Done()
		r.l.Close()
	}()

	for ctx.Err() == nil {
		conn, err := r.l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			cancel(err)
			return err
		}
		r.log.Debug("got conn", "local", conn.LocalAddr().String(), "remote", conn.RemoteAddr().String(), "network", conn.RemoteAddr().Network())

		wg.Go(func() {
			defer conn.Close()
			err := r.connFunc(ctx, conn)
			if err != nil {
				r.log.Error("cancelling", "error", err)
				cancel(err)
			}
		})
	}
	r.log.Info("listen loop exited")

	return context.Cause(ctx)
}
