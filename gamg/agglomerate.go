// Package gamg builds a geometric-agglomerated algebraic multigrid hierarchy
// over a partitioned ldu matrix and uses it as a preconditioner. Cells are
// agglomerated only within a rank; the interfaces of each coarse level are
// agglomerated from the finer ones so the levels stay coupled the same way.
package gamg

import (
	"math"

	"github.com/notargets/ldusolve/ldu"
)

// Pairwise groups each cell with the unassigned neighbour it is most
// strongly coupled to. A cell left with no unassigned neighbour joins the
// group of its strongest neighbour; an isolated cell stays alone. Cells are
// visited in index order so the result is deterministic.
func Pairwise(m *ldu.Matrix) (restrict []int, nCoarse int) {
	var (
		addr       = m.Addressing()
		n          = addr.Size()
		l          = addr.LowerAddr()
		u          = addr.UpperAddr()
		ownStart   = addr.OwnerStartAddr()
		losort     = addr.LosortAddr()
		loStart    = addr.LosortStartAddr()
		upper      = m.Upper()
		lower      = m.Lower()
		weight     = func(face int) float64 { return math.Max(math.Abs(upper[face]), math.Abs(lower[face])) }
		unassigned = -1
	)
	restrict = make([]int, n)
	for c := range restrict {
		restrict[c] = unassigned
	}
	// strongest returns the neighbour of c with the largest coupling, among
	// the unassigned ones if free is set.
	strongest := func(c int, free bool) (best int) {
		best = -1
		bestW := -1.
		consider := func(nbr, face int) {
			if free && restrict[nbr] != unassigned {
				return
			}
			// ties go to the lower index
			if w := weight(face); w > bestW || (w == bestW && nbr < best) {
				best, bestW = nbr, w
			}
		}
		for i := loStart[c]; i < loStart[c+1]; i++ {
			face := losort[i]
			consider(l[face], face)
		}
		for face := ownStart[c]; face < ownStart[c+1]; face++ {
			consider(u[face], face)
		}
		return
	}
	for c := 0; c < n; c++ {
		if restrict[c] != unassigned {
			continue
		}
		if nbr := strongest(c, true); nbr >= 0 {
			restrict[c], restrict[nbr] = nCoarse, nCoarse
			nCoarse++
			continue
		}
		if nbr := strongest(c, false); nbr >= 0 {
			restrict[c] = restrict[nbr]
			continue
		}
		restrict[c] = nCoarse
		nCoarse++
	}
	return
}
