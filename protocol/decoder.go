// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"os"
	"time"
)

var traceLevel = slog.Level(-8)

// DefaultMaxBulkLen bounds the declared length of a bulk string, and the
// length of a line, unless WithMaxBulkLen says otherwise.
const DefaultMaxBulkLen = 512 * 1000000

const (
	defaultReadSize = 4096
	maxEmptyReads   = 100
)

// Decoder decodes one frame at a time from a stream that may arrive in
// arbitrarily small pieces. It keeps the continuation of the frame in
// progress between calls, so a short read or a short buffer suspends the
// decode instead of failing it.
//
// A Decoder belongs to one stream and must not be used from two goroutines
// at once. After a malformed frame or an I/O failure every call returns
// that failure until Reset.
type Decoder struct {
	state State
	rules rules

	// err is the failure that poisoned the decoder.
	err error
	// rerr is a read error held back until buffered bytes are used up.
	rerr error

	scratch []byte
	log     *slog.Logger
}

type Option func(*Decoder)

// WithExtension sets the constructor for error codes outside the known table.
func WithExtension(f ExtensionFunc) Option {
	return func(d *Decoder) { d.rules.ext = f }
}

// WithMaxBulkLen bounds bulk lengths and line lengths; zero disables the check.
func WithMaxBulkLen(n int64) Option {
	return func(d *Decoder) { d.rules.maxBulkLen = n }
}

// WithReadSize sets how many bytes a pull decode asks its reader for.
func WithReadSize(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.scratch = make([]byte, n)
		}
	}
}

// WithLogger sets the logger byte level traces go to.
func WithLogger(l *slog.Logger) Option {
	return func(d *Decoder) { d.log = l }
}

func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{
		rules: rules{ext: NewExtensionError, maxBulkLen: DefaultMaxBulkLen},
		log:   slog.With("comp", "decoder"),
	}
	for _, o := range opts {
		o(d)
	}
	if d.scratch == nil {
		d.scratch = make([]byte, defaultReadSize)
	}
	return d
}

// Feed decodes from p without waiting for more input.
//
// consumed is how many bytes from the front of p the caller must discard;
// bytes past it have to be presented again, followed by new input, on the
// next call. ok reports whether a frame completed. A completed error frame
// is reported with ok set and a *ServerError in err; the decoder is ready
// for the next frame. Any other error poisons the decoder.
//
// Feed does not keep p. Partial lines and payloads are copied.
func (d *Decoder) Feed(p []byte) (consumed int, v Value, ok bool, err error) {
	if d.err != nil {
		return 0, Value{}, false, d.err
	}
	n, v, done, err := d.state.step(p, d.rules)
	d.log.Log(context.Background(), traceLevel, "feed",
		"bytes", len(p), "consumed", n, "done", done, "phase", d.state.Phase, "error", err)
	if err != nil && !done {
		d.err = err
	}
	return n, v, done, err
}

// Decode reads from r until a whole frame is decoded. Bytes read past the
// end of the frame are kept for the next call, so r can carry any number
// of frames.
//
// io.EOF is returned only when r ends between frames; ending inside a
// frame gives io.ErrUnexpectedEOF. Other read errors are returned as is.
func (d *Decoder) Decode(r io.Reader) (Value, error) {
	return d.DecodeContext(context.Background(), r)
}

type deadliner interface {
	SetReadDeadline(time.Time) error
}

var aLongTimeAgo = time.Unix(1, 0)

// DecodeContext is Decode, abandoned when ctx is done.
//
// ctx is checked between reads. When r has a SetReadDeadline method, as a
// net.Conn does, a blocked read is interrupted on cancellation and the
// deadline is cleared again before returning. Bytes read before the
// cancellation stay with the decoder: a later call picks up where this one
// stopped.
func (d *Decoder) DecodeContext(ctx context.Context, r io.Reader) (Value, error) {
	if d.err != nil {
		return Value{}, d.err
	}

	if dl, ok := r.(deadliner); ok && ctx.Done() != nil {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = dl.SetReadDeadline(aLongTimeAgo)
			close(fired)
		})
		defer func() {
			if !stop() {
				<-fired
				_ = dl.SetReadDeadline(time.Time{})
			}
		}()
	}

	empty := 0
	for {
		if len(d.state.Pending) > 0 {
			n, v, done, err := d.Feed(d.state.Pending)
			d.state.Pending = d.state.Pending[n:]
			if done || err != nil {
				return v, err
			}
		}

		if d.rerr != nil {
			if cancelled(ctx, d.rerr) {
				d.rerr = nil
				return Value{}, ctx.Err()
			}
			return Value{}, d.readFailure()
		}
		if err := ctx.Err(); err != nil {
			return Value{}, err
		}

		m, err := r.Read(d.scratch)
		d.log.Log(ctx, traceLevel, "read", "bytes", m, "error", err)
		if m > 0 {
			empty = 0
			d.state.Pending = d.scratch[:m]
		}
		switch {
		case err != nil:
			d.rerr = err
		case m == 0:
			if empty++; empty >= maxEmptyReads {
				d.rerr = io.ErrNoProgress
			}
		}
	}
}

// cancelled reports whether err only says that ctx interrupted the read,
// through the forced deadline or by being returned from the reader.
func cancelled(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ctx.Err())
}

// readFailure turns the held read error into the decode result.
func (d *Decoder) readFailure() error {
	err := d.rerr
	d.rerr = nil
	if err == io.EOF {
		if d.state.Boundary() {
			return io.EOF
		}
		err = io.ErrUnexpectedEOF
	}
	d.err = err
	return err
}

// Iterate decodes frames from r until it ends between frames, a decode
// fails, ctx is done, or the caller stops. Error frames are yielded and
// iteration goes on; any other error is yielded last.
func (d *Decoder) Iterate(ctx context.Context, r io.Reader) iter.Seq2[Value, error] {
	return func(yield func(Value, error) bool) {
		for {
			v, err := d.DecodeContext(ctx, r)
			if err == io.EOF {
				return
			}
			if !yield(v, err) {
				return
			}
			if err != nil && (d.err != nil || ctx.Err() != nil) {
				return
			}
		}
	}
}

// State returns a copy of the continuation, including bytes read ahead of
// the current frame.
func (d *Decoder) State() State {
	return d.state.Clone()
}

// Restore replaces the continuation with a copy of s and clears any failure.
func (d *Decoder) Restore(s State) {
	d.state = s.Clone()
	d.err = nil
	d.rerr = nil
}

// Reset starts over at a frame boundary with nothing buffered.
func (d *Decoder) Reset() {
	d.state = State{}
	d.err = nil
	d.rerr = nil
}

// Offset is the number of stream bytes consumed so far.
func (d *Decoder) Offset() int64 {
	return d.state.Offset
}

// Aligned is false once an error element cut an array short, leaving the
// rest of that array unread on the stream.
func (d *Decoder) Aligned() bool {
	return !d.state.Misaligned
}

// Err returns the failure that poisoned the decoder, if any.
func (d *Decoder) Err() error {
	return d.err
}
