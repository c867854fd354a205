package interp

import (
	"encoding/binary"
	"fmt"

	"tlog.app/go/tlog"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/gc"
)

type (
	// Runtime is a simulated collector runtime: a region heap with
	// forwarding pointers, a collection set table, a card table
	// and one thread with its snapshot queue.
	// Its memory is laid out from the same Layout the compiler emits code for.
	Runtime struct {
		L config.Layout

		segs []segment

		alloc bump
		to    bump
		free  int // next unused region

		objs   []int64
		marked map[int64]bool

		drained []int64

		// Calls counts runtime entry calls by entry.
		Calls [config.CloneFixup + 1]int
	}

	segment struct {
		name string
		base int64
		b    []byte
	}

	bump struct {
		top, end int64
	}

	// Fault is raised by an access outside of the simulated memory.
	Fault struct {
		Addr int64
		Size int
	}
)

func NewRuntime(l config.Layout) *Runtime {
	rt := &Runtime{
		L:      l,
		marked: map[int64]bool{},
	}

	rt.segs = []segment{
		{name: "tls", base: l.TLSBase, b: make([]byte, config.TLSSize)},
		{name: "satb", base: l.SATBBuffer, b: make([]byte, l.SATBBufferSize)},
		{name: "heap", base: l.HeapBase, b: make([]byte, l.HeapSize)},
		{name: "cset", base: l.CsetTable, b: make([]byte, l.Regions())},
		{name: "cards", base: l.CardTable, b: make([]byte, l.Cards())},
	}

	cards := rt.segs[4].b
	for i := range cards {
		cards[i] = config.CardClean
	}

	tls := l.TLSBase
	rt.Store(tls+l.SATBIndexOffset, int64(l.SATBBufferSize), config.WordSize)
	rt.Store(tls+l.SATBBufferOffset, l.SATBBuffer, config.WordSize)

	return rt
}

func (rt *Runtime) seg(addr int64, size int) []byte {
	for i := range rt.segs {
		s := &rt.segs[i]

		off := addr - s.base
		if off >= 0 && off+int64(size) <= int64(len(s.b)) {
			return s.b[off : off+int64(size)]
		}
	}

	panic(Fault{Addr: addr, Size: size})
}

// Load reads a little endian value of 1 or 8 bytes.
func (rt *Runtime) Load(addr int64, size int) int64 {
	b := rt.seg(addr, size)

	switch size {
	case 1:
		return int64(b[0])
	case config.WordSize:
		return int64(binary.LittleEndian.Uint64(b))
	}

	panic(Fault{Addr: addr, Size: size})
}

func (rt *Runtime) Store(addr, v int64, size int) {
	b := rt.seg(addr, size)

	switch size {
	case 1:
		b[0] = byte(v)
	case config.WordSize:
		binary.LittleEndian.PutUint64(b, uint64(v))
	default:
		panic(Fault{Addr: addr, Size: size})
	}
}

// Phase returns the gc_state byte.
func (rt *Runtime) Phase() int64 {
	return rt.Load(rt.L.TLSBase+rt.L.GCStateOffset, 1)
}

func (rt *Runtime) SetPhase(bits int64) {
	rt.Store(rt.L.TLSBase+rt.L.GCStateOffset, bits, 1)
}

// NewRegion makes the following allocations go to a fresh region.
func (rt *Runtime) NewRegion() {
	rt.alloc = rt.region()
}

func (rt *Runtime) region() bump {
	if rt.free >= rt.L.Regions() {
		panic(Fault{Addr: rt.L.HeapBase + int64(rt.L.HeapSize), Size: int(rt.L.RegionSize)})
	}

	base := rt.L.HeapBase + int64(rt.free)*int64(rt.L.RegionSize)
	rt.free++

	return bump{top: base, end: base + int64(rt.L.RegionSize)}
}

func (rt *Runtime) bumpAlloc(b *bump, size int64) int64 {
	if b.top == 0 || b.top+size > b.end {
		*b = rt.region()
	}

	p := b.top
	b.top += size

	return p
}

// NewObject allocates a zeroed object. refs has a bit set per reference field.
// Objects allocated while marking are live for this cycle.
func (rt *Runtime) NewObject(nfields int, refs uint32) int64 {
	if nfields < 0 || nfields > config.MaxFields {
		panic(Fault{Size: nfields})
	}

	p := rt.bumpAlloc(&rt.alloc, objSize(nfields))

	rt.Store(p+config.NFieldsOffset, int64(nfields)|int64(refs)<<32, config.WordSize)
	rt.objs = append(rt.objs, p)

	if rt.Phase()&config.Marking != 0 {
		rt.marked[p] = true
	}

	return p
}

// CloneObject allocates a copy of the object fields.
func (rt *Runtime) CloneObject(src int64) int64 {
	n, refs := rt.Shape(src)

	p := rt.NewObject(n, refs)

	for i := 0; i < n; i++ {
		rt.SetField(p, i, rt.Field(src, i))
	}

	return p
}

func objSize(nfields int) int64 {
	return config.HeaderSize + int64(nfields)*config.WordSize
}

// Objects returns the objects allocated, copies made by evacuation excluded.
func (rt *Runtime) Objects() []int64 { return rt.objs }

func (rt *Runtime) Shape(obj int64) (nfields int, refs uint32) {
	w := rt.Load(obj+config.NFieldsOffset, config.WordSize)

	return int(uint32(w)), uint32(w >> 32)
}

func (rt *Runtime) Field(obj int64, i int) int64 {
	return rt.Load(obj+config.FieldOffset(i), config.WordSize)
}

func (rt *Runtime) SetField(obj int64, i int, v int64) {
	rt.Store(obj+config.FieldOffset(i), v, config.WordSize)
}

func (rt *Runtime) regionOf(obj int64) int64 {
	return (obj - rt.L.HeapBase) >> rt.L.RegionShift()
}

func (rt *Runtime) AddToCset(obj int64) {
	rt.Store(rt.L.CsetTable+rt.regionOf(obj), 1, 1)
}

func (rt *Runtime) InCset(obj int64) bool {
	return rt.Load(rt.L.CsetTable+rt.regionOf(obj), 1) != 0
}

// Resolve follows forwarding pointers.
func (rt *Runtime) Resolve(obj int64) int64 {
	for obj != 0 {
		fwd := rt.Load(obj+config.ForwardOffset, config.WordSize)
		if fwd == 0 {
			return obj
		}

		obj = fwd
	}

	return obj
}

// Evacuate copies the object out of its region and forwards it to the copy.
func (rt *Runtime) Evacuate(obj int64) int64 {
	if r := rt.Resolve(obj); r != obj {
		return r
	}

	n, _ := rt.Shape(obj)
	size := objSize(n)

	p := rt.bumpAlloc(&rt.to, size)

	for off := int64(config.NFieldsOffset); off < size; off += config.WordSize {
		rt.Store(p+off, rt.Load(obj+off, config.WordSize), config.WordSize)
	}

	rt.Store(obj+config.ForwardOffset, p, config.WordSize)

	tlog.V("evacuate").Printw("evacuate", "obj", obj, "to", p)

	return p
}

// Mark marks the object live for weak reference processing.
func (rt *Runtime) Mark(obj int64) { rt.marked[rt.Resolve(obj)] = true }

func (rt *Runtime) IsMarked(obj int64) bool { return rt.marked[rt.Resolve(obj)] }

// DirtyCards returns the indexes of the dirty cards.
func (rt *Runtime) DirtyCards() (r []int) {
	for i, c := range rt.segs[4].b {
		if c == config.CardDirty {
			r = append(r, i)
		}
	}

	return r
}

// Call runs a runtime entry.
func (rt *Runtime) Call(entry int64, args []int64) int64 {
	arg := func(i int) int64 {
		if i < len(args) {
			return args[i]
		}

		return 0
	}

	if entry > 0 && int(entry) < len(rt.Calls) {
		rt.Calls[entry]++
	}

	switch entry {
	case config.WriteQueueFlush:
		rt.Flush()
		rt.Enqueue(arg(0))
	case config.LoadRefStrong:
		return rt.LoadRef(gc.StrengthStrong, arg(0), arg(1))
	case config.LoadRefWeak:
		return rt.LoadRef(gc.StrengthWeak, arg(0), arg(1))
	case config.LoadRefPhantom:
		return rt.LoadRef(gc.StrengthPhantom, arg(0), arg(1))
	case config.CloneFixup:
		rt.CloneFixup(arg(0))
	default:
		panic(fmt.Sprintf("unknown runtime entry %d", entry))
	}

	return 0
}

// LoadRef is the slow path of the load-reference barrier.
// It returns the to-space copy of v, or null for a dead weak referent,
// and heals addr if it still holds v.
func (rt *Runtime) LoadRef(st gc.Strength, v, addr int64) int64 {
	gs := rt.Phase()

	if v == 0 {
		return 0
	}

	if st != gc.StrengthStrong && gs&config.WeakRoots != 0 && !rt.IsMarked(v) {
		return 0
	}

	if gs&config.HasForwarded == 0 {
		return v
	}

	r := rt.Resolve(v)

	if r == v && gs&config.Evacuation != 0 && rt.InCset(v) {
		r = rt.Evacuate(v)
	}

	if addr != 0 && r != v && rt.Load(addr, config.WordSize) == v {
		rt.Store(addr, r, config.WordSize)
	}

	return r
}

// Enqueue adds v to the thread snapshot queue, flushing it first if full.
// The index counts down from the buffer size.
func (rt *Runtime) Enqueue(v int64) {
	l := &rt.L
	idxAddr := l.TLSBase + l.SATBIndexOffset

	idx := rt.Load(idxAddr, config.WordSize)
	if idx == 0 {
		rt.Flush()
		idx = rt.Load(idxAddr, config.WordSize)
	}

	idx -= config.WordSize

	rt.Store(idxAddr, idx, config.WordSize)
	rt.Store(rt.Load(l.TLSBase+l.SATBBufferOffset, config.WordSize)+idx, v, config.WordSize)
}

// Flush drains the thread queue into the marking log, oldest first.
func (rt *Runtime) Flush() {
	l := &rt.L
	idxAddr := l.TLSBase + l.SATBIndexOffset

	rt.drained = rt.buffered(rt.drained)

	rt.Store(idxAddr, int64(l.SATBBufferSize), config.WordSize)
}

func (rt *Runtime) buffered(r []int64) []int64 {
	l := &rt.L

	idx := rt.Load(l.TLSBase+l.SATBIndexOffset, config.WordSize)
	buf := rt.Load(l.TLSBase+l.SATBBufferOffset, config.WordSize)

	for off := int64(l.SATBBufferSize) - config.WordSize; off >= idx; off -= config.WordSize {
		r = append(r, rt.Load(buf+off, config.WordSize))
	}

	return r
}

// Logged returns every value logged for marking, oldest first.
func (rt *Runtime) Logged() []int64 {
	return rt.buffered(append([]int64(nil), rt.drained...))
}

// CloneFixup updates the reference fields of a fresh copy:
// forwarded referents are resolved and, while marking, logged.
func (rt *Runtime) CloneFixup(obj int64) {
	gs := rt.Phase()
	n, refs := rt.Shape(obj)

	for i := 0; i < n; i++ {
		if refs&(1<<i) == 0 {
			continue
		}

		v := rt.Field(obj, i)
		if v == 0 {
			continue
		}

		if gs&config.HasForwarded != 0 {
			v = rt.LoadRef(gc.StrengthStrong, v, 0)
			rt.SetField(obj, i, v)
		}

		if gs&config.Marking != 0 {
			rt.Enqueue(v)
		}
	}
}

func (f Fault) Error() string {
	return fmt.Sprintf("memory fault at %#x size %d", f.Addr, f.Size)
}
