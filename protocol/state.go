// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"slices"

	"github.com/awinterman/respwire/protocol/kind"
)

// Phase is the rule the decoder is in the middle of.
type Phase uint8

const (
	// PhaseTag waits for the tag byte of the next frame or element.
	PhaseTag Phase = iota
	// PhaseLine accumulates a CRLF terminated line for Tag.
	PhaseLine
	// PhasePayload accumulates Need more bulk payload bytes.
	PhasePayload
	// PhaseTerminator waits for the CRLF after a bulk payload.
	PhaseTerminator
)

func (p Phase) String() string {
	switch p {
	case PhaseTag:
		return "tag"
	case PhaseLine:
		return "line"
	case PhasePayload:
		return "payload"
	case PhaseTerminator:
		return "terminator"
	default:
		return "unknown"
	}
}

// Aggregate is an array whose elements are still arriving.
type Aggregate struct {
	Want  int64
	Elems []Value
}

// State is the continuation of a decoder: how far into the current frame
// it got and what it has collected so far. It holds copies, never
// references into a caller's buffer, so it can be stored and restored
// into another Decoder.
type State struct {
	Phase Phase
	Tag   kind.Kind

	// Line holds the bytes of an unterminated line.
	Line []byte
	// LineStart is the stream offset of the first byte of Line.
	LineStart int64

	// Need is the number of payload bytes still expected.
	Need    int64
	Payload []byte
	// Terminator counts the CRLF bytes matched after a payload.
	Terminator int

	// Stack has one entry per enclosing array, outermost first.
	Stack []Aggregate

	// Misaligned is set once an error element cut an array short. The
	// elements after it were never read and may still be on the stream.
	Misaligned bool

	// Offset is the number of stream bytes consumed so far.
	Offset int64
	// Pending holds bytes read from a reader that belong to the next frame.
	Pending []byte
}

// Boundary reports whether the state sits between two frames.
func (s *State) Boundary() bool {
	return s.Phase == PhaseTag && len(s.Stack) == 0
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	c := s
	c.Line = slices.Clone(s.Line)
	c.Payload = slices.Clone(s.Payload)
	c.Pending = slices.Clone(s.Pending)
	if s.Stack != nil {
		c.Stack = make([]Aggregate, len(s.Stack))
		for i, a := range s.Stack {
			c.Stack[i] = Aggregate{Want: a.Want, Elems: slices.Clone(a.Elems)}
		}
	}
	return c
}

// reset returns to the start of a new frame, keeping Offset and Pending.
func (s *State) reset() {
	s.Phase = PhaseTag
	s.Tag = 0
	s.Line = s.Line[:0]
	s.LineStart = 0
	s.Need = 0
	s.Payload = nil
	s.Terminator = 0
	s.Stack = nil
}
