// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package tap: a proxy that decodes every reply it relays.
package tap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/awinterman/respwire/protocol"
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/jackc/puddle/v2"
	"golang.org/x/sync/errgroup"
)

var traceLevel = slog.Level(-8)

// Recorder is told about every reply, see server.Metrics.
type Recorder interface {
	Observe(v protocol.Value, err error, n int)
}

// Journal receives the encoding of every relayed reply, see journal.Producer.
type Journal interface {
	Append(ctx context.Context, key string, frame []byte, cb func(error))
}

type upstream struct {
	addr    string
	pool    *puddle.Pool[*protocol.Conn]
	lastErr atomic.Pointer[error]
}

// Proxy forwards each client to one upstream, chosen by rendezvous hashing
// of the client address, and relays the replies back after decoding them.
type Proxy struct {
	Dialer   net.Dialer
	Recorder Recorder
	Journal  Journal
	Log      *slog.Logger

	upstreams map[string]*upstream
	hash      *rendezvous.Rendezvous
	opts      []protocol.Option
}

// New builds a proxy with poolSize pooled connections per upstream. opts
// configure every decoder the proxy creates.
func New(addrs []string, poolSize int32, opts ...protocol.Option) (*Proxy, error) {
	if len(addrs) == 0 {
		return nil, errors.New("tap: no upstreams")
	}
	p := &Proxy{
		Log:       slog.With("comp", "tap"),
		upstreams: map[string]*upstream{},
		hash:      rendezvous.New(addrs, xxhash.Sum64String),
		opts:      opts,
	}
	for _, addr := range addrs {
		u := &upstream{addr: addr}
		pool, err := puddle.NewPool(&puddle.Config[*protocol.Conn]{
			Constructor: func(ctx context.Context) (*protocol.Conn, error) {
				return p.dial(ctx, u)
			},
			Destructor: func(c *protocol.Conn) {
				_ = c.Close()
			},
			MaxSize: poolSize,
		})
		if err != nil {
			p.Close()
			return nil, err
		}
		u.pool = pool
		p.upstreams[addr] = u
	}
	return p, nil
}

func (p *Proxy) dial(ctx context.Context, u *upstream) (*protocol.Conn, error) {
	conn, err := p.Dialer.DialContext(ctx, "tcp", u.addr)
	if err != nil {
		err = fmt.Errorf("could not dial upstream address %q: %w", u.addr, err)
		u.lastErr.Store(&err)
		return nil, err
	}
	u.lastErr.Store(nil)
	p.Log.Info("established upstream connection", "addr", u.addr, "local", conn.LocalAddr())
	return protocol.NewConnection(conn, p.opts...), nil
}

// Pick returns the upstream serving clients at addr.
func (p *Proxy) Pick(addr string) string {
	return p.hash.Lookup(addr)
}

// Health fails when the last dial to every upstream failed.
func (p *Proxy) Health() error {
	var errs []error
	for _, u := range p.upstreams {
		e := u.lastErr.Load()
		if e == nil {
			return nil
		}
		errs = append(errs, *e)
	}
	return errors.Join(errs...)
}

// Close closes every pooled upstream connection.
func (p *Proxy) Close() {
	for _, u := range p.upstreams {
		if u.pool != nil {
			u.pool.Close()
		}
	}
}

// reply is one reply the relay owes the client. A nil local means the reply
// comes from the upstream.
type reply struct {
	local []byte
}

const maxInflight = 1024

// Handle proxies one client until it disconnects. Failures are logged and
// end only this client, so Handle can serve as a server.ConnFunc.
func (p *Proxy) Handle(ctx context.Context, client net.Conn) error {
	caddr := client.RemoteAddr().String()
	addr := p.Pick(caddr)
	log := p.Log.With("client", caddr, "upstream", addr)

	res, err := p.upstreams[addr].pool.Acquire(ctx)
	if err != nil {
		log.Error("no upstream connection", "error", err)
		_, _ = client.Write(protocol.AppendError(nil, &protocol.ServerError{
			Kind: protocol.ResponseError, Code: "ERR", Detail: "upstream unavailable",
		}))
		return nil
	}
	conn := res.Value()

	var owed atomic.Int64
	defer func() {
		if owed.Load() == 0 && conn.Healthy() {
			res.Release()
			return
		}
		log.Warn("discarding upstream connection", "owed", owed.Load())
		res.Destroy()
	}()

	g, gctx := errgroup.WithContext(ctx)
	replies := make(chan reply, maxInflight)

	g.Go(func() error {
		defer close(replies)
		return p.forward(gctx, client, conn, replies, &owed)
	})
	g.Go(func() error {
		return p.relay(gctx, client, conn, addr, replies, &owed)
	})

	err = g.Wait()
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Debug("client done")
	default:
		log.Warn("client dropped", "error", err)
	}
	return nil
}

// forward decodes requests from the client and writes them upstream.
func (p *Proxy) forward(ctx context.Context, client net.Conn, conn *protocol.Conn, replies chan<- reply, owed *atomic.Int64) error {
	dec := protocol.NewDecoder(p.opts...)
	var buf []byte
	for {
		req, err := dec.DecodeContext(ctx, client)
		var se *protocol.ServerError
		switch {
		case err == nil:
			buf = protocol.AppendValue(buf[:0], req)
		case errors.As(err, &se):
			buf = protocol.AppendError(buf[:0], se)
		case errors.Is(err, protocol.ErrMalformed):
			msg := protocol.AppendError(nil, &protocol.ServerError{
				Kind: protocol.ResponseError, Code: "ERR", Detail: "Protocol error: " + err.Error(),
			})
			p.Log.Warn("malformed request", "client", client.RemoteAddr().String(), "error", err)
			return send(ctx, replies, reply{local: msg}, nil)
		default:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		p.Log.Log(ctx, traceLevel, "recv", "cmd", req)
		if _, err := conn.Write(buf); err != nil {
			return err
		}
		owed.Add(1)
		if err := send(ctx, replies, reply{}, nil); err != nil {
			return err
		}
	}
}

func send(ctx context.Context, replies chan<- reply, r reply, result error) error {
	select {
	case replies <- r:
		return result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// relay reads one upstream reply per forwarded request and writes it to the
// client, in order. Requests are flushed upstream only once a reply is
// wanted.
func (p *Proxy) relay(ctx context.Context, client net.Conn, conn *protocol.Conn, addr string, replies <-chan reply, owed *atomic.Int64) error {
	w := bufio.NewWriter(client)
	var buf []byte
	for r := range replies {
		if r.local != nil {
			if _, err := w.Write(r.local); err != nil {
				return err
			}
			return w.Flush()
		}

		if err := conn.Flush(); err != nil {
			return err
		}
		v, err := conn.Read(ctx)
		var se *protocol.ServerError
		switch {
		case err == nil:
			buf = protocol.AppendValue(buf[:0], v)
		case errors.As(err, &se):
			buf = protocol.AppendError(buf[:0], se)
		default:
			if p.Recorder != nil {
				p.Recorder.Observe(v, err, 0)
			}
			return fmt.Errorf("reading reply from %s: %w", addr, err)
		}
		owed.Add(-1)
		if p.Recorder != nil {
			p.Recorder.Observe(v, err, len(buf))
		}
		if p.Journal != nil {
			p.Journal.Append(ctx, addr, buf, nil)
		}

		if _, err := w.Write(buf); err != nil {
			return err
		}
		if !conn.Healthy() {
			// the rest of the cut short array is still on the connection
			if err := w.Flush(); err != nil {
				return err
			}
			return fmt.Errorf("reply from %s cut short: %w", addr, err)
		}
		if len(replies) == 0 {
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
