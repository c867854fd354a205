package gc

import (
	"strings"

	"tlog.app/go/tlog/tlwire"
)

// Decorators describe one memory access site. Built once by the front end.
type Decorators uint32

const (
	Strong Decorators = 1 << iota
	Weak
	Phantom

	InHeap
	InNative

	MOUnordered
	MOVolatile
	MOOpaque

	IsArray
	IsField

	TightlyCoupledAlloc
	NotNull
	NoKeepAlive

	// BarrierInternal marks accesses emitted by barriers themselves.
	BarrierInternal

	strengthMask = Strong | Weak | Phantom
)

// Strength classes of reference loads, kept in Aux of load-reference barriers.
type Strength int64

const (
	StrengthStrong Strength = iota
	StrengthWeak
	StrengthPhantom
)

var decoNames = []string{
	"strong", "weak", "phantom",
	"in_heap", "in_native",
	"unordered", "volatile", "opaque",
	"array", "field",
	"tightly_coupled", "not_null", "no_keep_alive",
	"internal",
}

func (d Decorators) Has(x Decorators) bool { return d&x == x }

func (d Decorators) Strength() Strength {
	switch {
	case d&Phantom != 0:
		return StrengthPhantom
	case d&Weak != 0:
		return StrengthWeak
	default:
		return StrengthStrong
	}
}

// Normalize fills in the defaults: strong, in heap, unordered.
func (d Decorators) Normalize() Decorators {
	if d&strengthMask == 0 {
		d |= Strong
	}

	if d&(InHeap|InNative) == 0 {
		d |= InHeap
	}

	if d&(MOUnordered|MOVolatile|MOOpaque) == 0 {
		d |= MOUnordered
	}

	return d
}

func (d Decorators) names() (r []string) {
	for i, n := range decoNames {
		if d&(1<<i) != 0 {
			r = append(r, n)
		}
	}

	return r
}

func (d Decorators) String() string {
	return strings.Join(d.names(), "|")
}

func (d Decorators) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	names := d.names()

	b = e.AppendTag(b, tlwire.Array, len(names))

	for _, n := range names {
		b = e.AppendString(b, n)
	}

	return b
}

func (s Strength) String() string {
	switch s {
	case StrengthStrong:
		return "strong"
	case StrengthWeak:
		return "weak"
	case StrengthPhantom:
		return "phantom"
	}

	return "strength?"
}
