// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package kind:
package kind

// Kind is the tag byte that opens every frame.
type Kind byte

const (
	EOL = "\r\n"

	SimpleString Kind = '+'
	Error        Kind = '-'
	Int          Kind = ':'
	BulkString   Kind = '$'
	Array        Kind = '*'
)

// Valid reports whether b opens a frame the decoder understands.
func Valid(b byte) bool {
	switch Kind(b) {
	case SimpleString, Error, Int, BulkString, Array:
		return true
	default:
		return false
	}
}

func (i Kind) String() string {
	return Humanize(byte(i))
}

// Humanize returns a human-readable string for the indicator
func Humanize(indicator byte) string {
	switch Kind(indicator) {
	case SimpleString:
		return "SimpleString"
	case Error:
		return "Error"
	case Int:
		return "Int"
	case BulkString:
		return "BulkString"
	case Array:
		return "Array"
	default:
		return "Unknown"
	}
}
