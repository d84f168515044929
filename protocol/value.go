// Copyright 2025 Outreach Corporation. All Rights Reserved.

// Description:

// Package protocol:
package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Type says which field of a Value should be respected.
type Type uint8

const (
	TypeNil Type = iota
	TypeInt
	TypeData
	TypeBulk
	TypeStatus
	TypeOkay
)

func (t Type) String() string {
	switch t {
	case TypeNil:
		return "Nil"
	case TypeInt:
		return "Int"
	case TypeData:
		return "Data"
	case TypeBulk:
		return "Bulk"
	case TypeStatus:
		return "Status"
	case TypeOkay:
		return "Okay"
	default:
		return "Unknown"
	}
}

// Value is one decoded reply frame. The zero Value is Nil.
//
// A Value never aliases the buffer it was decoded from; the caller owns it
// as soon as it is returned.
type Value struct {
	Type Type

	Int    int64
	Data   []byte
	Bulk   []Value
	Status string
}

func Nil() Value {
	return Value{Type: TypeNil}
}

func Int(i int64) Value {
	return Value{Type: TypeInt, Int: i}
}

func Data(b []byte) Value {
	return Value{Type: TypeData, Data: b}
}

func Bulk(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{Type: TypeBulk, Bulk: vs}
}

// Status builds a status reply. "OK" collapses to Okay, as it does on the wire.
func Status(s string) Value {
	if s == "OK" {
		return Okay()
	}
	return Value{Type: TypeStatus, Status: s}
}

func Okay() Value {
	return Value{Type: TypeOkay}
}

// Equal reports whether v and o describe the same reply.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeInt:
		return v.Int == o.Int
	case TypeData:
		return bytes.Equal(v.Data, o.Data)
	case TypeStatus:
		return v.Status == o.Status
	case TypeBulk:
		if len(v.Bulk) != len(o.Bulk) {
			return false
		}
		for i := range v.Bulk {
			if !v.Bulk[i].Equal(o.Bulk[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.Type {
	case TypeNil:
		return "nil"
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeData:
		return strconv.Quote(string(v.Data))
	case TypeStatus:
		return v.Status
	case TypeOkay:
		return "OK"
	case TypeBulk:
		s := make([]string, 0, len(v.Bulk))
		for _, e := range v.Bulk {
			s = append(s, e.String())
		}
		return fmt.Sprintf("[%s]", strings.Join(s, " "))
	default:
		return fmt.Sprintf("Unknown %d", v.Type)
	}
}
