package tp

import "tlog.app/go/tlog/tlwire"

// Type is the value class carried by an IR node.
type Type uint8

const (
	None Type = iota
	Int
	Bool
	Ref  // heap reference, subject to barriers
	Raw  // untyped pointer: thread-local block, queues, tables
	Mem  // memory state of one slice
	Ctrl // control token
	Tuple
)

var names = [...]string{
	None:  "none",
	Int:   "int",
	Bool:  "bool",
	Ref:   "ref",
	Raw:   "raw",
	Mem:   "mem",
	Ctrl:  "ctrl",
	Tuple: "tuple",
}

// Size is the width in bytes of a value of the type in memory.
func (t Type) Size() int {
	switch t {
	case Bool:
		return 1
	case Int, Ref, Raw:
		return 8
	default:
		return 0
	}
}

func (t Type) IsPtr() bool { return t == Ref || t == Raw }

// IsValue reports whether the type is an ordinary data value.
func (t Type) IsValue() bool { return t != None && t != Mem && t != Ctrl && t != Tuple }

func (t Type) String() string {
	if int(t) < len(names) {
		return names[t]
	}

	return "type?"
}

func (t Type) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, t.String())
}
