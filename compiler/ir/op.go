package ir

import "tlog.app/go/tlog/tlwire"

type Op uint8

const (
	OpDead Op = iota

	// control
	OpStart
	OpRegion
	OpLoop
	OpCountedLoop
	OpOuterStripMinedLoop
	OpIf
	OpIfTrue
	OpIfFalse
	OpSafePoint
	OpCall
	OpCatch
	OpCatchProj
	OpReturn
	OpHalt

	// projections: control, memory or result of a call or of Start
	OpProj

	// data
	OpParm
	OpConI
	OpConP
	OpThreadLocal
	OpAddP
	OpAddI
	OpSubI
	OpAndI
	OpOrI
	OpURShift
	OpMinI
	OpCastP2X
	OpCmpI
	OpCmpP
	OpBool
	OpPhi
	OpCastPP
	OpCheckCastPP

	// pinned effects
	OpAllocate
	OpLoad
	OpStore
	OpCompareAndSwap
	OpCompareAndExchange
	OpGetAndSet
	OpGetAndAdd
	OpSCMemProj
	OpClone

	// abstract barriers
	OpLoadRefBarrier
	OpSATBPreBarrier
	OpIUBarrier

	opCount
)

var opNames = [...]string{
	OpDead:                "Dead",
	OpStart:               "Start",
	OpRegion:              "Region",
	OpLoop:                "Loop",
	OpCountedLoop:         "CountedLoop",
	OpOuterStripMinedLoop: "OuterStripMinedLoop",
	OpIf:                  "If",
	OpIfTrue:              "IfTrue",
	OpIfFalse:             "IfFalse",
	OpSafePoint:           "SafePoint",
	OpCall:                "Call",
	OpCatch:               "Catch",
	OpCatchProj:           "CatchProj",
	OpReturn:              "Return",
	OpHalt:                "Halt",
	OpProj:                "Proj",
	OpParm:                "Parm",
	OpConI:                "ConI",
	OpConP:                "ConP",
	OpThreadLocal:         "ThreadLocal",
	OpAddP:                "AddP",
	OpAddI:                "AddI",
	OpSubI:                "SubI",
	OpAndI:                "AndI",
	OpOrI:                 "OrI",
	OpURShift:             "URShift",
	OpMinI:                "MinI",
	OpCastP2X:             "CastP2X",
	OpCmpI:                "CmpI",
	OpCmpP:                "CmpP",
	OpBool:                "Bool",
	OpPhi:                 "Phi",
	OpCastPP:              "CastPP",
	OpCheckCastPP:         "CheckCastPP",
	OpAllocate:            "Allocate",
	OpLoad:                "Load",
	OpStore:               "Store",
	OpCompareAndSwap:      "CompareAndSwap",
	OpCompareAndExchange:  "CompareAndExchange",
	OpGetAndSet:           "GetAndSet",
	OpGetAndAdd:           "GetAndAdd",
	OpSCMemProj:           "SCMemProj",
	OpClone:               "Clone",
	OpLoadRefBarrier:      "LoadRefBarrier",
	OpSATBPreBarrier:      "SATBPreBarrier",
	OpIUBarrier:           "IUBarrier",
}

func (op Op) String() string {
	if op < opCount {
		return opNames[op]
	}

	return "Op?"
}

func (op Op) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	return e.AppendString(b, op.String())
}

// IsRegion reports whether nodes of the op merge control.
func (op Op) IsRegion() bool {
	switch op {
	case OpRegion, OpLoop, OpCountedLoop, OpOuterStripMinedLoop:
		return true
	}

	return false
}

func (op Op) IsLoop() bool {
	switch op {
	case OpLoop, OpCountedLoop, OpOuterStripMinedLoop:
		return true
	}

	return false
}

func (op Op) IsLoadStore() bool {
	switch op {
	case OpCompareAndSwap, OpCompareAndExchange, OpGetAndSet, OpGetAndAdd:
		return true
	}

	return false
}

// IsBarrier reports whether op is an abstract GC barrier awaiting expansion.
func (op Op) IsBarrier() bool {
	switch op {
	case OpLoadRefBarrier, OpSATBPreBarrier, OpIUBarrier:
		return true
	}

	return false
}

// Conditions of Bool nodes.
type Cond int64

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
)

var condNames = [...]string{"eq", "ne", "lt", "le", "gt", "ge"}

func (c Cond) String() string {
	if c >= 0 && int(c) < len(condNames) {
		return condNames[c]
	}

	return "cond?"
}

// Negate returns the condition true exactly when c is false.
func (c Cond) Negate() Cond {
	switch c {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	default:
		return CondLT
	}
}

// Eval applies the condition to a three-way comparison result.
func (c Cond) Eval(cmp int64) bool {
	switch c {
	case CondEQ:
		return cmp == 0
	case CondNE:
		return cmp != 0
	case CondLT:
		return cmp < 0
	case CondLE:
		return cmp <= 0
	case CondGT:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

// Projection kinds (Aux of OpProj).
const (
	ProjControl int64 = iota
	ProjMemory
	ProjResult
)

// Catch projection kinds (Aux of OpCatchProj).
const (
	CatchNormal int64 = iota
	CatchException
)

type Flags uint32

const (
	// FlagStripMined marks a CountedLoop nested in an OuterStripMinedLoop.
	FlagStripMined Flags = 1 << iota
	// FlagLeaf marks a runtime leaf call: raw memory only, no safepoint, no exceptions.
	FlagLeaf
	// FlagRethrow marks a call to the rethrow stub.
	FlagRethrow
	// FlagCloneBarrier marks a Clone whose reference fix-up is not expanded yet.
	FlagCloneBarrier
	// FlagExpanded marks nodes emitted by barrier expansion.
	FlagExpanded
)
