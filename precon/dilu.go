package precon

import (
	"fmt"

	"github.com/notargets/ldusolve/colouring"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/lduinterface"
)

// State tracks where a DistributedDILU is in its cycle.
type State uint8

const (
	Idle State = iota
	DiagonalComputed
	ForwardSweeping
	BackwardSweeping
)

func (s State) String() string {
	return [...]string{"Idle", "DiagonalComputed", "ForwardSweeping", "BackwardSweeping"}[s]
}

// DistributedDILU is a diagonal incomplete LU preconditioner whose
// factorisation and sweeps run across rank boundaries in colour order, so
// that the partitioned result matches a serial DILU over the colour-ordered
// cells. Interfaces with both sides on this rank are left uncoupled.
//
// Uncoupled, it is the plain per-rank DILU and does no communication.
type DistributedDILU struct {
	sys      *System
	coupled  bool
	schedule *colouring.Schedule
	state    State

	rD      []ldu.SolveScalar   // reciprocal of the factorised diagonal
	rDbc    [][]ldu.SolveScalar // -rD[faceCell]*bouCoeff per coupled interface
	version uint64
	valid   bool

	rs   *comm.RequestSet
	perf SolverPerformance
}

// NewDistributedDILU factorises the diagonal of sys. Construction is
// collective. If the ranks disagree about coupling it fails with
// ErrUnsupported on every rank or, with allowFallback, every rank falls
// back to the uncoupled DILU.
func NewDistributedDILU(sys *System, coupled, allowFallback bool) (p *DistributedDILU, err error) {
	p = &DistributedDILU{
		sys:     sys,
		coupled: coupled,
		rs:      comm.NewRequestSet(),
	}
	if err = sys.Interfaces.CheckCoeffs(sys.BouCoeffs); err != nil {
		return nil, err
	}
	if p.coupled, err = agreeCoupling(sys.Comm, coupled, allowFallback); err != nil {
		return nil, err
	}
	if p.coupled {
		if p.schedule, err = colouring.NewSchedule(sys.Comm, sys.Matrix.Addressing().ID(),
			sys.Interfaces, sys.Cache); err != nil {
			return nil, err
		}
	}
	if err = p.CalcReciprocalD(); err != nil {
		return nil, err
	}
	return
}

// agreeCoupling is collective. Coupling is only possible when every rank
// couples; a rank sweeping alone would wait for neighbours that never send.
func agreeCoupling(c *comm.Comm, coupled, allowFallback bool) (bool, error) {
	mine := 0.
	if coupled {
		mine = 1
	}
	n, err := c.AllReduceScalar(comm.OpSum, mine)
	if err != nil {
		return false, err
	}
	switch int(n) {
	case 0:
		return false, nil
	case c.Size():
		return true, nil
	}
	if allowFallback {
		return false, nil
	}
	return false, fmt.Errorf("%d of %d ranks asked for a coupled DILU: %w", int(n), c.Size(), ErrUnsupported)
}

func (p *DistributedDILU) Type() string {
	if p.coupled {
		return "distributedDILU"
	}
	return "DILU"
}

func (p *DistributedDILU) State() State                   { return p.state }
func (p *DistributedDILU) Coupled() bool                  { return p.coupled }
func (p *DistributedDILU) Schedule() *colouring.Schedule  { return p.schedule }
func (p *DistributedDILU) ReciprocalD() []ldu.SolveScalar { return p.rD }

// Outstanding counts requests not yet completed. It is zero between calls.
func (p *DistributedDILU) Outstanding() int { return p.rs.Len() }

// LastPerformance is what the solver reported at SetFinished.
func (p *DistributedDILU) LastPerformance() SolverPerformance { return p.perf }

// CalcReciprocalD factorises the diagonal. Coupled, it blocks until the
// lower-coloured neighbours have sent their factorised boundary diagonals,
// then sends its own to the higher-coloured ones.
func (p *DistributedDILU) CalcReciprocalD() (err error) {
	var (
		m     = p.sys.Matrix
		addr  = m.Addressing()
		l     = addr.LowerAddr()
		u     = addr.UpperAddr()
		upper = m.Upper()
		lower = m.Lower()
		diag  = m.Diag()
	)
	defer func() {
		if err != nil {
			p.rs.Cancel()
			p.state = Idle
			p.valid = false
		}
	}()
	if p.rD == nil {
		p.rD = make([]ldu.SolveScalar, len(diag))
	}
	copy(p.rD, diag)

	if p.coupled {
		if err = p.postReceives(p.schedule.LowerNbrs, lduinterface.ChanDiag); err != nil {
			return
		}
		for _, i := range p.schedule.LowerNbrs {
			if err = p.addInterfaceDiag(i); err != nil {
				return
			}
		}
	}
	for face := range l {
		p.rD[u[face]] -= upper[face] * lower[face] / p.rD[l[face]]
	}
	if p.coupled {
		for _, i := range p.schedule.HigherNbrs {
			ifc := p.sys.Interfaces[i]
			bc := p.sys.BouCoeffs[i]
			vals := make([]ldu.SolveScalar, ifc.Size())
			for f, cell := range ifc.FaceCells() {
				vals[f] = bc[f] / p.rD[cell]
			}
			if err = ifc.InitSend(p.rs, lduinterface.ChanDiag, vals); err != nil {
				return
			}
		}
	}
	for c, d := range p.rD {
		if d == 0 {
			return fmt.Errorf("zero pivot in cell %d: %w", c, ErrUnsupported)
		}
		p.rD[c] = 1 / d
	}
	p.rDbc = make([][]ldu.SolveScalar, len(p.sys.Interfaces))
	for i, ifc := range p.sys.Interfaces {
		if ifc == nil || ifc.Local() {
			continue
		}
		bc := p.sys.BouCoeffs[i]
		p.rDbc[i] = make([]ldu.SolveScalar, ifc.Size())
		for f, cell := range ifc.FaceCells() {
			p.rDbc[i][f] = -p.rD[cell] * bc[f]
		}
	}
	if err = p.rs.Drain(); err != nil {
		return
	}
	p.version = m.Version()
	p.valid = true
	p.state = DiagonalComputed
	return
}

// addInterfaceDiag removes the coupling to the lower-coloured side from the
// diagonal: a_ij a_ji / d_j with a = -bouCoeffs, the neighbour having sent
// its own bouCoeff over its d_j.
func (p *DistributedDILU) addInterfaceDiag(i int) (err error) {
	ifc := p.sys.Interfaces[i]
	var recv []ldu.SolveScalar
	if recv, err = ifc.Receive(lduinterface.ChanDiag); err != nil {
		return
	}
	ifc.ApplyToDiagonal(p.rD, p.sys.BouCoeffs[i], recv)
	return
}

func (p *DistributedDILU) postReceives(nbrs []int, ch lduinterface.Channel) (err error) {
	for _, i := range nbrs {
		if err = p.sys.Interfaces[i].InitRecv(p.rs, ch); err != nil {
			return
		}
	}
	return
}

// addInterface folds the swept values of one neighbour into wA.
func (p *DistributedDILU) addInterface(wA []ldu.SolveScalar, i int, ch lduinterface.Channel) (err error) {
	ifc := p.sys.Interfaces[i]
	var recv []ldu.SolveScalar
	if recv, err = ifc.Receive(ch); err != nil {
		return
	}
	ifc.ApplyToDiagonal(wA, p.rDbc[i], recv)
	return
}

func (p *DistributedDILU) sendInterfaces(wA []ldu.SolveScalar, nbrs []int, ch lduinterface.Channel) (err error) {
	for _, i := range nbrs {
		ifc := p.sys.Interfaces[i]
		if err = ifc.InitSend(p.rs, ch, ifc.PatchInternalField(wA)); err != nil {
			return
		}
	}
	return
}

func (p *DistributedDILU) forwardInternalDiag(wA, rA []ldu.SolveScalar) {
	for c, r := range rA {
		wA[c] = p.rD[c] * r
	}
}

func (p *DistributedDILU) forwardInternal(wA []ldu.SolveScalar) {
	var (
		addr  = p.sys.Matrix.Addressing()
		l     = addr.LowerAddr()
		u     = addr.UpperAddr()
		lower = p.sys.Matrix.Lower()
	)
	for face := range l {
		wA[u[face]] -= p.rD[u[face]] * lower[face] * wA[l[face]]
	}
}

func (p *DistributedDILU) backwardInternal(wA []ldu.SolveScalar) {
	var (
		addr  = p.sys.Matrix.Addressing()
		l     = addr.LowerAddr()
		u     = addr.UpperAddr()
		upper = p.sys.Matrix.Upper()
	)
	for face := len(l) - 1; face >= 0; face-- {
		wA[l[face]] -= p.rD[l[face]] * upper[face] * wA[u[face]]
	}
}

// stale reports whether rD must be recomputed. Coupled, the factorisation
// exchanges boundary diagonals, so a change on any rank refactorises every
// rank.
func (p *DistributedDILU) stale() (bool, error) {
	mine := 0.
	if !p.valid || p.version != p.sys.Matrix.Version() {
		mine = 1
	}
	if !p.coupled {
		return mine > 0, nil
	}
	n, err := p.sys.Comm.AllReduceScalar(comm.OpMax, mine)
	return n > 0, err
}

// Precondition applies the factorisation: a forward sweep in increasing
// colour order followed by a backward sweep in decreasing colour order.
// Every request it issues is complete when it returns.
func (p *DistributedDILU) Precondition(wA, rA []ldu.Scalar) (err error) {
	if err = CheckFields(p.sys.Matrix.Size(), wA, rA); err != nil {
		return
	}
	defer func() {
		if err != nil {
			p.rs.Cancel()
		}
		p.state = Idle
	}()
	var stale bool
	if stale, err = p.stale(); err != nil {
		return
	}
	if stale {
		if err = p.CalcReciprocalD(); err != nil {
			return
		}
	}
	p.state = DiagonalComputed

	p.state = ForwardSweeping
	p.forwardInternalDiag(wA, rA)
	if p.coupled {
		if err = p.postReceives(p.schedule.LowerNbrs, lduinterface.ChanForward); err != nil {
			return
		}
		if err = p.postReceives(p.schedule.HigherNbrs, lduinterface.ChanBackward); err != nil {
			return
		}
		for _, i := range p.schedule.LowerNbrs {
			if err = p.addInterface(wA, i, lduinterface.ChanForward); err != nil {
				return
			}
		}
	}
	p.forwardInternal(wA)
	if p.coupled {
		if err = p.sendInterfaces(wA, p.schedule.HigherNbrs, lduinterface.ChanForward); err != nil {
			return
		}
	}

	p.state = BackwardSweeping
	if p.coupled {
		for _, i := range p.schedule.HigherNbrs {
			if err = p.addInterface(wA, i, lduinterface.ChanBackward); err != nil {
				return
			}
		}
	}
	p.backwardInternal(wA)
	if p.coupled {
		if err = p.sendInterfaces(wA, p.schedule.LowerNbrs, lduinterface.ChanBackward); err != nil {
			return
		}
	}
	err = p.rs.Drain()
	return
}

// SetFinished abandons anything still in flight. Sends that no neighbour
// received are withdrawn.
func (p *DistributedDILU) SetFinished(perf SolverPerformance) {
	p.rs.Cancel()
	p.state = Idle
	p.perf = perf
}
