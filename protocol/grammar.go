// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/awinterman/respwire/protocol/kind"
)

var crlf = []byte(kind.EOL)

// rules carries the per-decoder settings the grammar needs.
type rules struct {
	ext        ExtensionFunc
	maxBulkLen int64
}

// step runs the grammar over p from the continuation in s.
//
// It returns how many bytes of p it consumed and whether a frame completed.
// A completed frame yields either v or a *ServerError in err. A *SyntaxError
// in err means the input is malformed; s is then unusable. When no frame
// completed, every byte of p has been consumed and copied into s.
func (s *State) step(p []byte, r rules) (n int, v Value, done bool, err error) {
	n, v, done, err = s.run(p, r)
	s.Offset += int64(n)
	return n, v, done, err
}

func (s *State) run(p []byte, r rules) (n int, v Value, done bool, err error) {
	for {
		switch s.Phase {
		case PhaseTag:
			if n == len(p) {
				return n, Value{}, false, nil
			}
			b := p[n]
			if !kind.Valid(b) {
				return n, Value{}, false, s.syntax(n, fmt.Sprintf("unexpected tag byte %q", b))
			}
			n++
			s.Tag = kind.Kind(b)
			s.Phase = PhaseLine
			s.Line = s.Line[:0]
			s.LineStart = s.Offset + int64(n)

		case PhaseLine:
			line, m, ok := s.scanLine(p[n:])
			n += m
			if !ok {
				if r.maxBulkLen > 0 && int64(len(s.Line)) > r.maxBulkLen {
					return n, Value{}, false, s.lineSyntax("line exceeds limit")
				}
				return n, Value{}, false, nil
			}
			v, fin, err := s.line(line, r)
			if err != nil {
				if _, malformed := err.(*SyntaxError); malformed {
					return n, Value{}, false, err
				}
				// an error frame ends the frame and every array around it
				if len(s.Stack) > 0 {
					s.Misaligned = true
				}
				s.reset()
				return n, Value{}, true, err
			}
			if fin {
				if v, ok := s.deliver(v); ok {
					s.reset()
					return n, v, true, nil
				}
			}

		case PhasePayload:
			take := min(int64(len(p)-n), s.Need)
			s.Payload = append(s.Payload, p[n:n+int(take)]...)
			s.Need -= take
			n += int(take)
			if s.Need > 0 {
				return n, Value{}, false, nil
			}
			s.Phase = PhaseTerminator
			s.Terminator = 0

		case PhaseTerminator:
			for s.Terminator < len(crlf) {
				if n == len(p) {
					return n, Value{}, false, nil
				}
				if p[n] != crlf[s.Terminator] {
					return n, Value{}, false, s.syntax(n, fmt.Sprintf("expected CRLF after bulk payload, got %q", p[n]))
				}
				n++
				s.Terminator++
			}
			payload := s.Payload
			if payload == nil {
				payload = []byte{}
			}
			s.Payload = nil
			if v, ok := s.deliver(Data(payload)); ok {
				s.reset()
				return n, v, true, nil
			}
		}
	}
}

// scanLine looks for the CRLF ending the current line. The bytes of an
// unterminated line are copied into s.Line; nothing is scanned twice.
func (s *State) scanLine(p []byte) (line []byte, n int, ok bool) {
	if l := len(s.Line); l > 0 && s.Line[l-1] == '\r' && len(p) > 0 && p[0] == '\n' {
		return s.Line[:l-1], 1, true
	}
	i := bytes.Index(p, crlf)
	if i < 0 {
		s.Line = append(s.Line, p...)
		return nil, len(p), false
	}
	if len(s.Line) == 0 {
		return p[:i], i + len(crlf), true
	}
	s.Line = append(s.Line, p[:i]...)
	return s.Line, i + len(crlf), true
}

// line applies the rule for s.Tag to a complete line. fin reports whether
// the line finished a value; otherwise s has moved on to the next phase.
func (s *State) line(line []byte, r rules) (v Value, fin bool, err error) {
	if !utf8.Valid(line) {
		return Value{}, false, s.lineSyntax("invalid utf-8 in line")
	}

	switch s.Tag {
	case kind.SimpleString:
		return Status(string(line)), true, nil

	case kind.Error:
		return Value{}, false, classify(string(line), r.ext)

	case kind.Int:
		i, err := s.integer(line)
		if err != nil {
			return Value{}, false, err
		}
		return Int(i), true, nil

	case kind.BulkString:
		size, err := s.integer(line)
		if err != nil {
			return Value{}, false, err
		}
		if size < 0 {
			return Nil(), true, nil
		}
		if r.maxBulkLen > 0 && size > r.maxBulkLen {
			return Value{}, false, s.lineSyntax(fmt.Sprintf("bulk length %d exceeds limit %d", size, r.maxBulkLen))
		}
		s.Need = size
		s.Payload = make([]byte, 0, min(size, 64*1024))
		if size == 0 {
			s.Phase = PhaseTerminator
			s.Terminator = 0
		} else {
			s.Phase = PhasePayload
		}
		return Value{}, false, nil

	case kind.Array:
		count, err := s.integer(line)
		if err != nil {
			return Value{}, false, err
		}
		if count < 0 {
			return Nil(), true, nil
		}
		if count == 0 {
			return Bulk(), true, nil
		}
		s.Stack = append(s.Stack, Aggregate{Want: count, Elems: make([]Value, 0, min(count, 1024))})
		s.Phase = PhaseTag
		return Value{}, false, nil
	}

	return Value{}, false, s.lineSyntax(fmt.Sprintf("no rule for tag %q", byte(s.Tag)))
}

func (s *State) integer(line []byte) (int64, error) {
	i, err := strconv.ParseInt(strings.TrimSpace(string(line)), 10, 64)
	if err != nil {
		return 0, s.lineSyntax("Expected integer, got garbage")
	}
	return i, nil
}

// deliver hands a finished value to the innermost open array, closing
// arrays as they fill up. It returns the whole frame once nothing is left
// open.
func (s *State) deliver(v Value) (Value, bool) {
	s.Phase = PhaseTag
	for len(s.Stack) > 0 {
		top := &s.Stack[len(s.Stack)-1]
		top.Elems = append(top.Elems, v)
		if int64(len(top.Elems)) < top.Want {
			return Value{}, false
		}
		v = Bulk(top.Elems...)
		s.Stack = s.Stack[:len(s.Stack)-1]
	}
	return v, true
}

func (s *State) syntax(n int, msg string) error {
	return &SyntaxError{Offset: s.Offset + int64(n), Msg: msg}
}

func (s *State) lineSyntax(msg string) error {
	return &SyntaxError{Offset: s.LineStart, Msg: msg}
}
