package cases

import (
	"fmt"

	"github.com/notargets/ldusolve/colouring"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/lduinterface"
	"github.com/notargets/ldusolve/precon"
)

// Interface tags; a rank pair shares at most one interface of each.
const (
	tagProcessor = iota
	tagPeriodic
)

// Part is the share of a Global problem held by one rank.
type Part struct {
	Rank      int
	Cells     []int // global index of each local cell
	Owner     []int
	Neighbour []int
	Diag      []ldu.Scalar
	Upper     []ldu.Scalar
	Specs     []lduinterface.Spec
	BouCoeffs [][]ldu.Scalar
	Source    []ldu.Scalar
}

// Part cuts out the cells of rank. Faces to cells of other ranks become
// processor interfaces, periodic ones processorCyclic; periodic faces with
// both cells on this rank become a pair of cyclic halves.
func (g *Global) Part(rank int) (p *Part, err error) {
	if rank < 0 || rank >= g.NParts {
		return nil, fmt.Errorf("rank %d of %d parts", rank, g.NParts)
	}
	p = &Part{Rank: rank}
	local := make(map[int]int)
	for c, r := range g.Ranks {
		if r == rank {
			local[c] = len(p.Cells)
			p.Cells = append(p.Cells, c)
			p.Diag = append(p.Diag, g.Diag[c])
			p.Source = append(p.Source, g.Source[c])
		}
	}
	type ifKey struct {
		nbr      int
		periodic bool
		half     int // for local cyclics: 0 the owner side, 1 the neighbour side
	}
	var (
		index = make(map[ifKey]int)
		add   = func(k ifKey, cell int, bc ldu.Scalar) {
			i, ok := index[k]
			if !ok {
				i = len(p.Specs)
				index[k] = i
				p.Specs = append(p.Specs, g.spec(rank, k.nbr, k.periodic, k.half))
				p.BouCoeffs = append(p.BouCoeffs, nil)
			}
			p.Specs[i].FaceCells = append(p.Specs[i].FaceCells, cell)
			p.Specs[i].NFaces++
			p.BouCoeffs[i] = append(p.BouCoeffs[i], bc)
		}
	)
	for f := range g.Owner {
		var (
			o, n       = g.Owner[f], g.Neighbour[f]
			lo, oLocal = local[o]
			ln, nLocal = local[n]
			periodic   = g.Periodic[f]
			bc         = -g.Upper[f]
		)
		switch {
		case oLocal && nLocal && !periodic:
			p.Owner = append(p.Owner, lo)
			p.Neighbour = append(p.Neighbour, ln)
			p.Upper = append(p.Upper, g.Upper[f])
		case oLocal && nLocal:
			add(ifKey{rank, true, 0}, lo, bc)
			add(ifKey{rank, true, 1}, ln, bc)
		case oLocal:
			add(ifKey{g.Ranks[n], periodic, 0}, lo, bc)
		case nLocal:
			add(ifKey{g.Ranks[o], periodic, 0}, ln, bc)
		}
	}
	return
}

func (g *Global) spec(rank, nbr int, periodic bool, half int) (s lduinterface.Spec) {
	s = lduinterface.Spec{
		Type:    "processor",
		NbrRank: nbr,
		Tag:     tagProcessor,
		Name:    fmt.Sprintf("procBoundary%dto%d", rank, nbr),
	}
	if !periodic {
		return
	}
	s.Type = "processorCyclic"
	s.Tag = tagPeriodic
	s.Transform, s.Rank = g.Transform, 1
	s.Name += "throughperiodic"
	if nbr == rank {
		halves := [2]string{"periodic_owner", "periodic_neighbour"}
		s.Name, s.Partner = halves[half], halves[1-half]
	}
	return
}

// System builds the matrix and interfaces of the part for the rank of c.
func (p *Part) System(c *comm.Comm, cache *colouring.Cache) (sys *precon.System, err error) {
	if c.Rank() != p.Rank {
		return nil, fmt.Errorf("part of rank %d used on rank %d", p.Rank, c.Rank())
	}
	var addr *ldu.Addressing
	if addr, err = ldu.NewAddressing(len(p.Cells), p.Owner, p.Neighbour); err != nil {
		return
	}
	sys = &precon.System{
		Comm:      c,
		BouCoeffs: p.BouCoeffs,
		Cache:     cache,
	}
	if sys.Matrix, err = ldu.NewMatrix(addr, append([]ldu.Scalar(nil), p.Diag...), nil,
		append([]ldu.Scalar(nil), p.Upper...)); err != nil {
		return nil, err
	}
	if sys.Interfaces, err = lduinterface.Build(c, p.Specs); err != nil {
		return nil, err
	}
	return
}

// Scatter picks the local values of a global field.
func (p *Part) Scatter(global []ldu.Scalar) []ldu.Scalar {
	return Permute(global, p.Cells)
}

// Gather writes local values into a global field.
func (p *Part) Gather(local, global []ldu.Scalar) {
	for i, c := range p.Cells {
		global[c] = local[i]
	}
}
