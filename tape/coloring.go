package tape

import (
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slices"
)

// Coloring assigns each column of a sparsity pattern a small integer
// color such that no two columns sharing a nonzero row share a color:
// one matrix-vector product per color then recovers the whole sparse
// Jacobian/Hessian.
type Coloring struct {
	colors    []int // colors[j] is column j's color
	numColors int
}

// NumColors returns the number of colors used.
func (c *Coloring) NumColors() int { return c.numColors }

// Color returns column j's color.
func (c *Coloring) Color(j int) int { return c.colors[j] }

// Group returns every column assigned color k.
func (c *Coloring) Group(k int) []int {
	var out []int
	for j, cj := range c.colors {
		if cj == k {
			out = append(out, j)
		}
	}
	return out
}

// ColorColumns greedily distance-1 colors the columns of p: two columns
// conflict when some row marks both. Columns are visited in decreasing
// degree order (the standard greedy heuristic), which tends to produce
// fewer colors than visiting in index order.
func ColorColumns(p *Pattern) *Coloring {
	n := p.NCol()
	adj := make([]*swiss.Map[int, struct{}], n)
	for j := range adj {
		adj[j] = swiss.NewMap[int, struct{}](0)
	}
	for i := 0; i < p.NRow(); i++ {
		cols := p.Row(i)
		for a := 0; a < len(cols); a++ {
			for b := a + 1; b < len(cols); b++ {
				adj[cols[a]].Put(cols[b], struct{}{})
				adj[cols[b]].Put(cols[a], struct{}{})
			}
		}
	}

	order := make([]int, n)
	for j := range order {
		order[j] = j
	}
	slices.SortFunc(order, func(a, b int) int { return adj[b].Count() - adj[a].Count() })

	colors := make([]int, n)
	for j := range colors {
		colors[j] = -1
	}
	for _, j := range order {
		used := make(map[int]bool)
		adj[j].Iter(func(k int, _ struct{}) bool {
			if colors[k] >= 0 {
				used[colors[k]] = true
			}
			return true
		})
		c := 0
		for used[c] {
			c++
		}
		colors[j] = c
	}

	numColors := 0
	for _, c := range colors {
		if c+1 > numColors {
			numColors = c + 1
		}
	}
	return &Coloring{colors: colors, numColors: numColors}
}
