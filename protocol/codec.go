// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"bytes"
	"io"
)

// ParseValue decodes the frame at the start of b.
//
// A b holding only part of a frame gives io.ErrUnexpectedEOF. Bytes after
// the first complete frame are ignored.
func ParseValue(b []byte, opts ...Option) (Value, error) {
	_, v, ok, err := NewDecoder(opts...).Feed(b)
	if err != nil {
		return Value{}, err
	}
	if !ok {
		return Value{}, io.ErrUnexpectedEOF
	}
	return v, nil
}

// Codec decodes frames out of a buffer a transport keeps filling, and
// writes outbound bytes through unchanged.
type Codec struct {
	dec *Decoder
}

func NewCodec(opts ...Option) *Codec {
	return &Codec{dec: NewDecoder(opts...)}
}

// Decode takes at most one frame off the front of buf. ok is false when buf
// does not yet hold the rest of the frame; the bytes it did hold have been
// taken into the codec and buf is empty. Error frames come back with ok set
// and a *ServerError.
func (c *Codec) Decode(buf *bytes.Buffer) (v Value, ok bool, err error) {
	n, v, ok, err := c.dec.Feed(buf.Bytes())
	buf.Next(n)
	return v, ok, err
}

// Encode appends item to dst as is. Callers write frames that are already
// encoded, such as the output of Command.
func (c *Codec) Encode(item []byte, dst *bytes.Buffer) error {
	_, err := dst.Write(item)
	return err
}

// Decoder exposes the codec's decoder, e.g. to checkpoint its State.
func (c *Codec) Decoder() *Decoder {
	return c.dec
}
