package lduinterface

import (
	"fmt"

	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
)

// LevelTagStride separates the tags of successive agglomeration levels.
const LevelTagStride = 1000

// GAMGInterface is the agglomerated counterpart of a finer interface. It
// exchanges coarse-face values exactly like the finer kind does, on its
// own level tag, and restricts finer face data onto its coarse faces
// through FaceRestrictAddressing.
type GAMGInterface struct {
	Interface
	fine         Interface
	faceRestrict []int
	level        int
}

func base(ifc Interface) *patch {
	switch v := ifc.(type) {
	case *ProcessorInterface:
		return &v.patch
	case *ProcessorCyclicInterface:
		return &v.patch
	case *CyclicInterface:
		return &v.patch
	case *GAMGInterface:
		return base(v.Interface)
	}
	panic(fmt.Errorf("lduinterface: no base patch for %T", ifc))
}

// NewGAMGInterface builds the level interface from its finer parent.
// faceRestrict maps every fine face to its coarse face; coarseFaceCells
// holds the coarse cell next to each coarse face.
func NewGAMGInterface(fine Interface, level int, coarseFaceCells, faceRestrict []int) (gi *GAMGInterface, err error) {
	if len(faceRestrict) != fine.Size() {
		err = fmt.Errorf("interface %s: %d restrict entries for %d fine faces: %w",
			fine.Name(), len(faceRestrict), fine.Size(), ErrSizeMismatch)
		return
	}
	for f, cf := range faceRestrict {
		if cf < 0 || cf >= len(coarseFaceCells) {
			err = fmt.Errorf("interface %s: fine face %d restricts to %d of %d coarse faces: %w",
				fine.Name(), f, cf, len(coarseFaceCells), ErrSizeMismatch)
			return
		}
	}
	var (
		p    = base(fine)
		spec = Spec{
			Name:      fmt.Sprintf("%s_level%d", fine.Name(), level),
			NFaces:    len(coarseFaceCells),
			FaceCells: coarseFaceCells,
			NbrRank:   fine.NbrRank(),
			Tag:       p.tag + LevelTagStride,
		}
		coarse Interface
	)
	if p.transform != nil {
		spec.Transform = p.transform.T.RawMatrix().Data
		spec.Rank, spec.Component = p.transform.Rank, p.transform.Component
	}
	switch fine.Kind() {
	case Processor:
		coarse, err = NewProcessorInterface(p.comm, spec)
	case ProcessorCyclic:
		coarse, err = NewProcessorCyclicInterface(p.comm, spec)
	case Cyclic:
		coarse, err = NewCyclicInterface(p.comm, spec)
	}
	if err != nil {
		return
	}
	gi = &GAMGInterface{
		Interface:    coarse,
		fine:         fine,
		faceRestrict: faceRestrict,
		level:        level,
	}
	return
}

func (gi *GAMGInterface) Type() string                  { return gi.Interface.Type() + "GAMG" }
func (gi *GAMGInterface) Fine() Interface               { return gi.fine }
func (gi *GAMGInterface) Level() int                    { return gi.level }
func (gi *GAMGInterface) FaceRestrictAddressing() []int { return gi.faceRestrict }

// Agglomerate sums fine face values onto the coarse faces.
func (gi *GAMGInterface) Agglomerate(fineValues []ldu.Scalar) (coarse []ldu.Scalar) {
	coarse = make([]ldu.Scalar, gi.Size())
	for f, cf := range gi.faceRestrict {
		coarse[cf] += fineValues[f]
	}
	return
}

// PairGAMG links two coarse cyclic halves.
func PairGAMG(a, b *GAMGInterface) error {
	ca, okA := a.Interface.(*CyclicInterface)
	cb, okB := b.Interface.(*CyclicInterface)
	if !okA || !okB {
		return fmt.Errorf("interfaces %s and %s are not cyclic halves: %w", a.Name(), b.Name(), ErrUnpaired)
	}
	return Pair(ca, cb)
}

func cyclicOf(ifc Interface) *CyclicInterface {
	switch v := ifc.(type) {
	case *CyclicInterface:
		return v
	case *GAMGInterface:
		return cyclicOf(v.Interface)
	}
	return nil
}

// PairLevel links the coarse cyclic halves of one level whose finer halves
// are linked.
func PairLevel(ifs Interfaces) error {
	byFine := make(map[*CyclicInterface]*GAMGInterface)
	for _, ifc := range ifs {
		if gi, ok := ifc.(*GAMGInterface); ok {
			if fc := cyclicOf(gi.fine); fc != nil {
				byFine[fc] = gi
			}
		}
	}
	for fc, gi := range byFine {
		if cyclicOf(gi).partner != nil {
			continue
		}
		other, ok := byFine[fc.partner]
		if !ok {
			return fmt.Errorf("coarse cyclic %s: %w", gi.Name(), ErrUnpaired)
		}
		if err := PairGAMG(gi, other); err != nil {
			return err
		}
	}
	return nil
}

// Comm returns the communicator an interface exchanges through.
func Comm(ifc Interface) *comm.Comm {
	return base(ifc).comm
}
