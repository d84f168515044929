// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
)

// NewConnection wraps conn. Reads go straight to conn, so a net.Conn keeps
// its deadlines and DecodeContext can interrupt a blocked read.
func NewConnection(conn io.ReadWriter, opts ...Option) *Conn {
	c := Conn{
		rd:      conn,
		w:       bufio.NewWriter(conn),
		decoder: NewDecoder(opts...),
		Logger:  slog.With("comp", "conn"),
	}
	if cl, ok := conn.(io.Closer); ok {
		c.closer = cl
	}
	return &c
}

// Conn is a connection that decodes replies. Reads and writes are locked
// separately so one goroutine can write requests while another reads
// replies.
type Conn struct {
	rmu     sync.Mutex
	wmu     sync.Mutex
	rd      io.Reader
	w       *bufio.Writer
	closer  io.Closer
	decoder *Decoder
	Logger  *slog.Logger
}

// Read decodes the next frame from the connection.
func (conn *Conn) Read(ctx context.Context) (Value, error) {
	conn.rmu.Lock()
	defer conn.rmu.Unlock()
	return conn.decoder.DecodeContext(ctx, conn.rd)
}

// Write buffers already encoded bytes, such as the output of Command.
func (conn *Conn) Write(b []byte) (int, error) {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	return conn.w.Write(b)
}

// Flush writes any buffered data to the underlying connection.
func (conn *Conn) Flush() error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	return conn.w.Flush()
}

// RoundTrip sends cmd, flushes it, and reads the reply.
func (conn *Conn) RoundTrip(ctx context.Context, cmd []byte) (Value, error) {
	_, err := conn.Write(cmd)
	if err != nil {
		return Value{}, err
	}
	err = conn.Flush()
	if err != nil {
		return Value{}, err
	}

	resp, err := conn.Read(ctx)
	conn.Logger.Debug("command", "bytes", len(cmd), "resp", resp, "err", err)
	return resp, err
}

// Healthy reports whether the reply stream can still be trusted.
func (conn *Conn) Healthy() bool {
	conn.rmu.Lock()
	defer conn.rmu.Unlock()
	return conn.decoder.Err() == nil && conn.decoder.Aligned()
}

// Close closes the underlying connection if it can be closed.
func (conn *Conn) Close() error {
	if conn.closer == nil {
		return nil
	}
	return conn.closer.Close()
}
