package interp

import (
	"github.com/oleiade/lane"
)

// Snapshot is the observable outcome of a run with heap addresses replaced
// by object numbers in discovery order, so runs that move objects
// differently still compare equal. Null is 0, object i is i+1.
type Snapshot struct {
	Result int64
	Threw  bool

	Objects [][]int64
	Logged  []int64
	Cards   []int
}

// TakeSnapshot walks the heap from the roots, the result and the logged values.
// Logged values the marker would skip are left out.
func TakeSnapshot(rt *Runtime, o Outcome, roots ...int64) Snapshot {
	s := Snapshot{
		Result: o.Result,
		Threw:  o.Threw,
		Cards:  rt.DirtyCards(),
	}

	ids := map[int64]int64{}
	queue := lane.NewQueue()

	canon := func(v int64) int64 {
		v = rt.Resolve(v)
		if v == 0 {
			return 0
		}

		id, ok := ids[v]
		if !ok {
			id = int64(len(ids)) + 1
			ids[v] = id

			queue.Enqueue(v)
		}

		return id
	}

	for _, r := range roots {
		canon(r)
	}

	if o.Ref {
		s.Result = canon(o.Result)
	}

	// the marker drops entries for objects marked already
	for _, v := range rt.Logged() {
		if v != 0 && rt.IsMarked(v) {
			continue
		}

		s.Logged = append(s.Logged, canon(v))
	}

	for !queue.Empty() {
		obj := queue.Dequeue().(int64)
		n, refs := rt.Shape(obj)

		fields := make([]int64, n)

		for i := range fields {
			v := rt.Field(obj, i)

			if refs&(1<<i) != 0 {
				v = canon(v)
			}

			fields[i] = v
		}

		s.Objects = append(s.Objects, fields)
	}

	return s
}
