// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"io"
	"strconv"

	"github.com/awinterman/respwire/protocol/kind"
)

// AppendValue appends the wire encoding of v to dst.
func AppendValue(dst []byte, v Value) []byte {
	switch v.Type {
	case TypeNil:
		return append(dst, "$-1\r\n"...)
	case TypeOkay:
		return append(dst, "+OK\r\n"...)
	case TypeStatus:
		dst = append(dst, byte(kind.SimpleString))
		dst = append(dst, v.Status...)
		return append(dst, kind.EOL...)
	case TypeInt:
		dst = append(dst, byte(kind.Int))
		dst = strconv.AppendInt(dst, v.Int, 10)
		return append(dst, kind.EOL...)
	case TypeData:
		dst = append(dst, byte(kind.BulkString))
		dst = strconv.AppendInt(dst, int64(len(v.Data)), 10)
		dst = append(dst, kind.EOL...)
		dst = append(dst, v.Data...)
		return append(dst, kind.EOL...)
	case TypeBulk:
		dst = append(dst, byte(kind.Array))
		dst = strconv.AppendInt(dst, int64(len(v.Bulk)), 10)
		dst = append(dst, kind.EOL...)
		for _, e := range v.Bulk {
			dst = AppendValue(dst, e)
		}
		return dst
	default:
		return dst
	}
}

// AppendError appends e as an error frame.
func AppendError(dst []byte, e *ServerError) []byte {
	dst = append(dst, byte(kind.Error))
	dst = append(dst, e.Code...)
	if e.Detail != "" {
		dst = append(dst, ' ')
		dst = append(dst, e.Detail...)
	}
	return append(dst, kind.EOL...)
}

// Encode writes the wire encoding of v to w.
func Encode(w io.Writer, v Value) (int, error) {
	return w.Write(AppendValue(nil, v))
}

// Command encodes args as a request: an array of bulk strings.
func Command(args ...string) []byte {
	vs := make([]Value, 0, len(args))
	for _, a := range args {
		vs = append(vs, Data([]byte(a)))
	}
	return AppendValue(nil, Bulk(vs...))
}
