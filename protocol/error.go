// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Description is attached to every error frame sent by the server.
const Description = "An error was signalled by the server"

// ErrorKind classifies an error frame by its leading code.
type ErrorKind int

const (
	ResponseError ErrorKind = iota
	ExecAbortError
	BusyLoadingError
	NoScriptError
	Moved
	Ask
	TryAgain
	ClusterDown
	CrossSlot
	MasterDown
	// ExtensionError is any code outside the table above.
	ExtensionError
)

var codes = map[string]ErrorKind{
	"ERR":         ResponseError,
	"EXECABORT":   ExecAbortError,
	"LOADING":     BusyLoadingError,
	"NOSCRIPT":    NoScriptError,
	"MOVED":       Moved,
	"ASK":         Ask,
	"TRYAGAIN":    TryAgain,
	"CLUSTERDOWN": ClusterDown,
	"CROSSSLOT":   CrossSlot,
	"MASTERDOWN":  MasterDown,
}

func (k ErrorKind) String() string {
	switch k {
	case ResponseError:
		return "ResponseError"
	case ExecAbortError:
		return "ExecAbortError"
	case BusyLoadingError:
		return "BusyLoadingError"
	case NoScriptError:
		return "NoScriptError"
	case Moved:
		return "Moved"
	case Ask:
		return "Ask"
	case TryAgain:
		return "TryAgain"
	case ClusterDown:
		return "ClusterDown"
	case CrossSlot:
		return "CrossSlot"
	case MasterDown:
		return "MasterDown"
	case ExtensionError:
		return "ExtensionError"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ServerError is an error frame decoded from the stream. It is the result
// of a decode, not a failure of the decoder.
type ServerError struct {
	Kind ErrorKind
	// Code is the leading token of the frame, e.g. "MOVED".
	Code string
	// Detail is everything after the first space. Empty when the frame
	// carried only a code.
	Detail string
}

func (e *ServerError) Error() string {
	name := e.Kind.String()
	if e.Kind == ExtensionError {
		name = e.Code
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s - %s", Description, name)
	}
	return fmt.Sprintf("%s - %s: %s", Description, name, e.Detail)
}

// ExtensionFunc builds the error for a code the decoder does not recognise.
// code is the exact leading token and detail the remainder of the line.
type ExtensionFunc func(code, detail string) error

// NewExtensionError is the default ExtensionFunc.
func NewExtensionError(code, detail string) error {
	return &ServerError{Kind: ExtensionError, Code: code, Detail: detail}
}

// classify turns the text of an error line into an error value.
func classify(line string, ext ExtensionFunc) error {
	code, detail, _ := strings.Cut(line, " ")
	kind, ok := codes[code]
	if !ok {
		if ext != nil {
			if err := ext(code, detail); err != nil {
				return err
			}
		}
		return NewExtensionError(code, detail)
	}
	return &ServerError{Kind: kind, Code: code, Detail: detail}
}

// IsKind reports whether err is, or wraps, a ServerError of kind k.
func IsKind(err error, k ErrorKind) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Kind == k
}

// ErrMalformed is wrapped by every SyntaxError.
var ErrMalformed = errors.New("protocol: malformed input")

// SyntaxError reports bytes that do not match the frame grammar. Offset is
// the position in the stream, counted from the first byte the decoder saw.
type SyntaxError struct {
	Offset int64
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("parse error at byte %d: %s", e.Offset, e.Msg)
}

func (e *SyntaxError) Unwrap() error {
	return ErrMalformed
}
