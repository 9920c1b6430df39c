// Package lduinterface couples the cells next to a mesh boundary to the
// values held on the other side of it, either on another rank (processor,
// processorCyclic) or on the same rank (cyclic), at the fine level or at an
// agglomerated GAMG level.
package lduinterface

import (
	"errors"
	"fmt"
	"sort"

	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
)

var (
	ErrSizeMismatch = errors.New("lduinterface: face count mismatch")
	ErrSelfCoupled  = errors.New("lduinterface: processor interface coupled to its own rank")
	ErrNotSent      = errors.New("lduinterface: partner has not sent")
	ErrUnpaired     = errors.New("lduinterface: cyclic half has no partner")
	ErrTransform    = errors.New("lduinterface: transform is not a rotation")
)

// Channel separates the exchanges that use one interface, so that a
// message from one operation can never be matched by another.
type Channel int

const (
	ChanMatrix Channel = iota
	ChanDiag
	ChanForward
	ChanBackward
	ChanAgglomerate
	nChannels
)

func (ch Channel) String() string {
	return [...]string{"matrix", "diag", "forward", "backward", "agglomerate"}[ch]
}

type Kind uint8

const (
	Processor Kind = iota
	ProcessorCyclic
	Cyclic
)

func (k Kind) String() string {
	return [...]string{"processor", "processorCyclic", "cyclic"}[k]
}

// Interface is one coupled patch seen from the rank that holds its
// FaceCells.
type Interface interface {
	ldu.Coupled

	Type() string
	Name() string
	Kind() Kind
	Size() int
	MyRank() int
	NbrRank() int
	Tag() int
	// Local is true when both sides live on this rank and no message
	// passing is involved.
	Local() bool

	// PatchInternalField gathers the cell values next to the faces.
	PatchInternalField(psi []ldu.Scalar) []ldu.Scalar
	// InitSend ships one value per face to the other side without
	// blocking.
	InitSend(rs *comm.RequestSet, ch Channel, faceValues []ldu.SolveScalar) error
	// InitRecv posts the receive for the other side's values.
	InitRecv(rs *comm.RequestSet, ch Channel) error
	// Receive completes the posted receive and returns the other side's
	// values with the interface transform applied.
	Receive(ch Channel) ([]ldu.SolveScalar, error)
	// ApplyToDiagonal folds values from the other side into a cell field:
	// field[faceCells[f]] -= coeffs[f]*nbr[f].
	ApplyToDiagonal(field []ldu.SolveScalar, coeffs, nbr []ldu.SolveScalar)
}

// Interfaces is the ordered interface list of one level. Entries may be nil
// for patches that are not coupled.
type Interfaces []Interface

// Coupled returns the list as the matrix-update view used by ldu.Matrix.
func (ifs Interfaces) Coupled() (cs []ldu.Coupled) {
	cs = make([]ldu.Coupled, len(ifs))
	for i, ifc := range ifs {
		if ifc != nil {
			cs[i] = ifc
		}
	}
	return
}

// NbrRanks returns the sorted distinct ranks this rank exchanges with.
func (ifs Interfaces) NbrRanks() (ranks []int) {
	seen := make(map[int]bool)
	for _, ifc := range ifs {
		if ifc == nil || ifc.Local() {
			continue
		}
		if !seen[ifc.NbrRank()] {
			seen[ifc.NbrRank()] = true
			ranks = append(ranks, ifc.NbrRank())
		}
	}
	sort.Ints(ranks)
	return
}

// CheckCoeffs verifies there is one coefficient array of the right size per
// coupled interface.
func (ifs Interfaces) CheckCoeffs(bouCoeffs [][]ldu.Scalar) error {
	if len(bouCoeffs) != len(ifs) {
		return fmt.Errorf("%d coefficient arrays for %d interfaces: %w",
			len(bouCoeffs), len(ifs), ErrSizeMismatch)
	}
	for i, ifc := range ifs {
		if ifc == nil {
			continue
		}
		if len(bouCoeffs[i]) != ifc.Size() {
			return fmt.Errorf("interface %s: %d coefficients for %d faces: %w",
				ifc.Name(), len(bouCoeffs[i]), ifc.Size(), ErrSizeMismatch)
		}
	}
	return nil
}
