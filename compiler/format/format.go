package format

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"

	"github.com/slowlang/gcbar/compiler/config"
	"github.com/slowlang/gcbar/compiler/ir"
	"github.com/slowlang/gcbar/compiler/tp"
)

func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	return format(ctx, b, x, 0)
}

func format(ctx context.Context, b []byte, x any, d int) ([]byte, error) {
	switch x := x.(type) {
	case *ir.Graph:
		return Graph(b, x), nil
	case ir.Node:
		return formatNode(b, nil, x, d), nil
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

// Graph dumps the reachable controls in reverse post order,
// each followed by the nodes placed at it, then the floating nodes.
func Graph(b []byte, g *ir.Graph) []byte {
	d := ir.ComputeDom(g)

	b = app(b, 0, "graph %s  slices:", g.Name)

	for _, s := range g.Slices() {
		b = app(b, 0, " %d:%s", s, g.SliceName(s))
	}

	b = append(b, '\n')

	placed := make([]bool, g.Len())

	for _, c := range d.RPO() {
		placed[c] = true

		b = app(b, 0, "%4d ", c)
		b = formatNode(b, g, g.Nodes[c], 0)

		if idom := d.Idom(c); idom != ir.Nil {
			b = app(b, 0, "  idom %d", idom)
		}

		b = append(b, '\n')

		for _, x := range g.Pinned(c) {
			placed[x] = true

			b = app(b, 1, "%4d ", x)
			b = formatNode(b, g, g.Nodes[x], 1)
			b = append(b, '\n')
		}
	}

	first := true

	for id := range g.Nodes {
		if placed[id] || g.Nodes[id].Op == ir.OpDead {
			continue
		}

		if first {
			b = app(b, 0, "floating\n")
			first = false
		}

		b = app(b, 1, "%4d ", id)
		b = formatNode(b, g, g.Nodes[id], 1)
		b = append(b, '\n')
	}

	return b
}

func formatNode(b []byte, g *ir.Graph, n ir.Node, d int) []byte {
	b = app(b, 0, "%-14v", n.Op)

	if n.Type != tp.Ctrl && n.Type != tp.None {
		b = app(b, 0, " %v", n.Type)
	}

	switch n.Op {
	case ir.OpConI, ir.OpConP:
		b = app(b, 0, " %#x", n.Aux)
	case ir.OpBool:
		b = app(b, 0, " %v", ir.Cond(n.Aux))
	case ir.OpParm, ir.OpProj, ir.OpCatchProj, ir.OpLoad, ir.OpStore, ir.OpAllocate, ir.OpLoadRefBarrier, ir.OpClone:
		b = app(b, 0, " aux %d", n.Aux)
	case ir.OpCall:
		b = app(b, 0, " %s", config.EntryName(n.Aux))
	}

	if n.Type == tp.Mem || n.Op == ir.OpLoad || n.Op.IsLoadStore() {
		if g != nil {
			b = app(b, 0, " @%s", g.SliceName(n.Slice))
		} else {
			b = app(b, 0, " @%d", n.Slice)
		}
	}

	b = append(b, " ["...)

	for i, x := range n.In {
		if i != 0 {
			b = append(b, ' ')
		}

		if x == ir.Nil {
			b = append(b, '_')
			continue
		}

		b = app(b, 0, "%d", x)
	}

	b = append(b, ']')

	if n.Flags != 0 {
		b = app(b, 0, " flags %#x", n.Flags)
	}

	if n.Desc != 0 {
		b = app(b, 0, " desc %#x", n.Desc)
	}

	return b
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t\t\t\t\t\t\t\t\t\t\t\t"
	b = append(b, tabs[:d]...)
	b = hfmt.Appendf(b, f, args...)
	return b
}
