package lduinterface

import (
	"fmt"

	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
)

// patch carries what every interface kind shares.
type patch struct {
	name      string
	faceCells []int
	comm      *comm.Comm
	nbrRank   int
	tag       int
	transform *Transform
}

func newPatch(c *comm.Comm, spec Spec) (p patch, err error) {
	if spec.NFaces != len(spec.FaceCells) {
		err = fmt.Errorf("interface %s declares %d faces but has %d faceCells: %w",
			spec.Name, spec.NFaces, len(spec.FaceCells), ErrSizeMismatch)
		return
	}
	for f, cell := range spec.FaceCells {
		if cell < 0 {
			err = fmt.Errorf("interface %s face %d: negative cell %d: %w",
				spec.Name, f, cell, ldu.ErrIndex)
			return
		}
	}
	p = patch{
		name:      spec.Name,
		faceCells: spec.FaceCells,
		comm:      c,
		nbrRank:   spec.NbrRank,
		tag:       spec.Tag,
	}
	if p.transform, err = NewTransform(spec.Transform, spec.Rank, spec.Component); err != nil {
		err = fmt.Errorf("interface %s: %w", spec.Name, err)
	}
	return
}

func (p *patch) Name() string     { return p.name }
func (p *patch) FaceCells() []int { return p.faceCells }
func (p *patch) Size() int        { return len(p.faceCells) }
func (p *patch) MyRank() int      { return p.comm.Rank() }
func (p *patch) NbrRank() int     { return p.nbrRank }
func (p *patch) Tag() int         { return p.tag }
func (p *patch) channelTag(ch Channel) int {
	return p.tag*int(nChannels) + int(ch)
}

func (p *patch) PatchInternalField(psi []ldu.Scalar) (pif []ldu.Scalar) {
	pif = make([]ldu.Scalar, len(p.faceCells))
	for f, cell := range p.faceCells {
		pif[f] = psi[cell]
	}
	return
}

func (p *patch) ApplyToDiagonal(field []ldu.SolveScalar, coeffs, nbr []ldu.SolveScalar) {
	for f, cell := range p.faceCells {
		field[cell] -= coeffs[f] * nbr[f]
	}
}

func (p *patch) checkFaces(what string, n int) error {
	if n != len(p.faceCells) {
		return fmt.Errorf("interface %s %s: %d values for %d faces: %w",
			p.name, what, n, len(p.faceCells), ErrSizeMismatch)
	}
	return nil
}

// transformFor applies the transform once for field values and twice for
// the diagonal exchange, which carries a product of two couplings.
// Agglomeration exchanges cell labels and is never transformed.
func (p *patch) transformFor(ch Channel, vals []ldu.SolveScalar) {
	if p.transform == nil || ch == ChanAgglomerate {
		return
	}
	p.transform.Apply(vals)
	if ch == ChanDiag {
		p.transform.Apply(vals)
	}
}

// ProcessorInterface couples to faces held by another rank.
type ProcessorInterface struct {
	patch
	pending [nChannels]*comm.Request
}

func NewProcessorInterface(c *comm.Comm, spec Spec) (pi *ProcessorInterface, err error) {
	var p patch
	if p, err = newPatch(c, spec); err != nil {
		return
	}
	if p.nbrRank == c.Rank() {
		err = fmt.Errorf("interface %s on rank %d: %w", spec.Name, c.Rank(), ErrSelfCoupled)
		return
	}
	if p.transform != nil {
		err = fmt.Errorf("interface %s: processor interfaces carry no transform: %w",
			spec.Name, ErrTransform)
		return
	}
	pi = &ProcessorInterface{patch: p}
	return
}

func (pi *ProcessorInterface) Type() string { return "processor" }
func (pi *ProcessorInterface) Kind() Kind   { return Processor }
func (pi *ProcessorInterface) Local() bool  { return false }

func (pi *ProcessorInterface) InitSend(rs *comm.RequestSet, ch Channel, faceValues []ldu.SolveScalar) (err error) {
	if err = pi.checkFaces("send", len(faceValues)); err != nil {
		return
	}
	_, err = pi.comm.Isend(rs, pi.nbrRank, pi.channelTag(ch), faceValues)
	return
}

func (pi *ProcessorInterface) InitRecv(rs *comm.RequestSet, ch Channel) (err error) {
	if pi.pending[ch] != nil && pi.pending[ch].Outstanding() {
		return
	}
	pi.pending[ch], err = pi.comm.Irecv(rs, pi.nbrRank, pi.channelTag(ch),
		make([]ldu.SolveScalar, len(pi.faceCells)))
	return
}

func (pi *ProcessorInterface) Receive(ch Channel) (vals []ldu.SolveScalar, err error) {
	req := pi.pending[ch]
	if req == nil {
		err = fmt.Errorf("interface %s: receive on %s channel was never posted", pi.name, ch)
		return
	}
	pi.pending[ch] = nil
	if err = req.Wait(); err != nil {
		err = fmt.Errorf("interface %s: %w", pi.name, err)
		return
	}
	vals = req.Data()
	pi.transformFor(ch, vals)
	return
}

func (pi *ProcessorInterface) InitMatrixUpdate(rs *comm.RequestSet, psi []ldu.Scalar) (err error) {
	if err = pi.InitRecv(rs, ChanMatrix); err != nil {
		return
	}
	return pi.InitSend(rs, ChanMatrix, pi.PatchInternalField(psi))
}

func (pi *ProcessorInterface) UpdateMatrix(result []ldu.SolveScalar, coeffs []ldu.Scalar) (err error) {
	var nbr []ldu.SolveScalar
	if nbr, err = pi.Receive(ChanMatrix); err != nil {
		return
	}
	pi.ApplyToDiagonal(result, coeffs, nbr)
	return
}

// ProcessorCyclicInterface is a processor interface across a periodic
// boundary; values arriving from the other side are transformed.
type ProcessorCyclicInterface struct {
	ProcessorInterface
}

func NewProcessorCyclicInterface(c *comm.Comm, spec Spec) (pci *ProcessorCyclicInterface, err error) {
	var p patch
	if p, err = newPatch(c, spec); err != nil {
		return
	}
	if p.nbrRank == c.Rank() {
		err = fmt.Errorf("interface %s on rank %d: %w", spec.Name, c.Rank(), ErrSelfCoupled)
		return
	}
	pci = &ProcessorCyclicInterface{ProcessorInterface{patch: p}}
	return
}

func (pci *ProcessorCyclicInterface) Type() string          { return "processorCyclic" }
func (pci *ProcessorCyclicInterface) Kind() Kind            { return ProcessorCyclic }
func (pci *ProcessorCyclicInterface) Transform() *Transform { return pci.transform }
