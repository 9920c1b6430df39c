package lduinterface

import (
	"fmt"

	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
)

// CyclicInterface is one half of a periodic pair whose halves both live on
// this rank. Sending stores the face values in this half's mirror buffer;
// receiving reads the partner's mirror. No requests are issued.
type CyclicInterface struct {
	patch
	partnerName string
	partner     *CyclicInterface
	mirror      [nChannels][]ldu.SolveScalar
}

func NewCyclicInterface(c *comm.Comm, spec Spec) (ci *CyclicInterface, err error) {
	var p patch
	if p, err = newPatch(c, spec); err != nil {
		return
	}
	// Both halves are on this rank whatever the spec says.
	p.nbrRank = c.Rank()
	ci = &CyclicInterface{patch: p, partnerName: spec.Partner}
	return
}

// Pair links two halves. Their face counts must agree since face f of one
// half is matched with face f of the other.
func Pair(a, b *CyclicInterface) error {
	if a.Size() != b.Size() {
		return fmt.Errorf("cyclic %s has %d faces, partner %s has %d: %w",
			a.name, a.Size(), b.name, b.Size(), ErrSizeMismatch)
	}
	a.partner, b.partner = b, a
	return nil
}

func (ci *CyclicInterface) Type() string              { return "cyclic" }
func (ci *CyclicInterface) Kind() Kind                { return Cyclic }
func (ci *CyclicInterface) Local() bool               { return true }
func (ci *CyclicInterface) Partner() *CyclicInterface { return ci.partner }
func (ci *CyclicInterface) Transform() *Transform     { return ci.transform }

func (ci *CyclicInterface) InitSend(_ *comm.RequestSet, ch Channel, faceValues []ldu.SolveScalar) (err error) {
	if err = ci.checkFaces("send", len(faceValues)); err != nil {
		return
	}
	ci.mirror[ch] = append(ci.mirror[ch][:0], faceValues...)
	return
}

func (ci *CyclicInterface) InitRecv(_ *comm.RequestSet, _ Channel) error {
	if ci.partner == nil {
		return fmt.Errorf("cyclic %s: %w", ci.name, ErrUnpaired)
	}
	return nil
}

func (ci *CyclicInterface) Receive(ch Channel) (vals []ldu.SolveScalar, err error) {
	if ci.partner == nil {
		err = fmt.Errorf("cyclic %s: %w", ci.name, ErrUnpaired)
		return
	}
	src := ci.partner.mirror[ch]
	if src == nil {
		err = fmt.Errorf("cyclic %s, %s channel: %w", ci.name, ch, ErrNotSent)
		return
	}
	if err = ci.checkFaces("receive", len(src)); err != nil {
		return
	}
	vals = append([]ldu.SolveScalar(nil), src...)
	ci.transformFor(ch, vals)
	return
}

func (ci *CyclicInterface) InitMatrixUpdate(rs *comm.RequestSet, psi []ldu.Scalar) (err error) {
	if err = ci.InitRecv(rs, ChanMatrix); err != nil {
		return
	}
	return ci.InitSend(rs, ChanMatrix, ci.PatchInternalField(psi))
}

func (ci *CyclicInterface) UpdateMatrix(result []ldu.SolveScalar, coeffs []ldu.Scalar) (err error) {
	var nbr []ldu.SolveScalar
	if nbr, err = ci.Receive(ChanMatrix); err != nil {
		return
	}
	ci.ApplyToDiagonal(result, coeffs, nbr)
	return
}
