package InputParameters

import (
	"fmt"
	"sort"
	"time"

	"github.com/ghodss/yaml"
)

// Parameters obtained from the YAML input file
type SolverControls struct {
	Title                  string  `yaml:"Title"`
	Case                   string  `yaml:"Case"`   // chain, ring or laplace2d
	NCells                 int     `yaml:"NCells"` // cells per direction
	NParts                 int     `yaml:"NParts"`
	Solver                 string  `yaml:"Solver"`         // PCG or PBiCGStab
	Preconditioner         string  `yaml:"Preconditioner"` // none, diagonal, DILU, distributedDILU, GAMG
	Coupled                *bool   `yaml:"Coupled"`
	AllowUncoupledFallback bool    `yaml:"AllowUncoupledFallback"`
	Tolerance              float64 `yaml:"Tolerance"`
	RelTol                 float64 `yaml:"RelTol"`
	MaxIter                int     `yaml:"MaxIter"`
	MinIter                int     `yaml:"MinIter"`
	Timeout                string  `yaml:"Timeout"` // wait limit for one message, e.g. "30s"
	// GAMG
	Smoother              string `yaml:"Smoother"` // DILU, distributedDILU or diagonal
	NPreSweeps            int    `yaml:"NPreSweeps"`
	NPostSweeps           int    `yaml:"NPostSweeps"`
	NCellsInCoarsestLevel int    `yaml:"NCellsInCoarsestLevel"`
	NCoarsestSweeps       int    `yaml:"NCoarsestSweeps"`
	MaxLevels             int    `yaml:"MaxLevels"`
	// Periodic transform of the ring case, row-major 3x3
	Transform []float64 `yaml:"Transform"`
	// Matrix diagonal shift, by case name
	DiagonalShift map[string]float64 `yaml:"DiagonalShift"`
}

var (
	solvers         = []string{"PBiCGStab", "PCG"}
	preconditioners = []string{"DILU", "GAMG", "diagonal", "distributedDILU", "none"}
	cases           = []string{"chain", "laplace2d", "ring"}
)

func NewSolverControls() *SolverControls {
	coupled := true
	return &SolverControls{
		Title:                 "ldusolve",
		Case:                  "laplace2d",
		NCells:                16,
		NParts:                4,
		Solver:                "PCG",
		Preconditioner:        "distributedDILU",
		Coupled:               &coupled,
		Tolerance:             1e-8,
		MaxIter:               1000,
		Timeout:               "30s",
		Smoother:              "distributedDILU",
		NPreSweeps:            0,
		NPostSweeps:           2,
		NCellsInCoarsestLevel: 4,
		NCoarsestSweeps:       20,
		MaxLevels:             10,
	}
}

// Parse overlays the YAML document on the receiver, keeping the values of
// fields the document leaves out.
func (sc *SolverControls) Parse(data []byte) (err error) {
	if err = yaml.Unmarshal(data, sc); err != nil {
		return
	}
	return sc.Validate()
}

func (sc *SolverControls) IsCoupled() bool {
	return sc.Coupled == nil || *sc.Coupled
}

func (sc *SolverControls) WaitTimeout() (d time.Duration) {
	d, _ = time.ParseDuration(sc.Timeout)
	return
}

func oneOf(what, v string, valid []string) error {
	for _, s := range valid {
		if s == v {
			return nil
		}
	}
	return fmt.Errorf("unknown %s %q, valid are %v", what, v, valid)
}

func (sc *SolverControls) Validate() (err error) {
	if err = oneOf("solver", sc.Solver, solvers); err != nil {
		return
	}
	if err = oneOf("preconditioner", sc.Preconditioner, preconditioners); err != nil {
		return
	}
	if sc.Preconditioner == "GAMG" {
		if err = oneOf("smoother", sc.Smoother, []string{"DILU", "diagonal", "distributedDILU"}); err != nil {
			return
		}
	}
	if err = oneOf("case", sc.Case, cases); err != nil {
		return
	}
	switch {
	case sc.NParts < 1:
		return fmt.Errorf("NParts must be positive, have %d", sc.NParts)
	case sc.NCells < 1:
		return fmt.Errorf("NCells must be positive, have %d", sc.NCells)
	case sc.Tolerance < 0 || sc.RelTol < 0:
		return fmt.Errorf("tolerances must not be negative")
	case sc.MaxIter < sc.MinIter:
		return fmt.Errorf("MaxIter %d is below MinIter %d", sc.MaxIter, sc.MinIter)
	case sc.NPreSweeps < 0 || sc.NPostSweeps < 0 || sc.NCoarsestSweeps < 1:
		return fmt.Errorf("sweep counts must not be negative and the coarsest level needs a sweep")
	case sc.NCellsInCoarsestLevel < 1:
		return fmt.Errorf("NCellsInCoarsestLevel must be positive, have %d", sc.NCellsInCoarsestLevel)
	case len(sc.Transform) != 0 && len(sc.Transform) != 9:
		return fmt.Errorf("Transform needs 9 values, have %d", len(sc.Transform))
	}
	if d, perr := time.ParseDuration(sc.Timeout); perr != nil || d <= 0 {
		return fmt.Errorf("bad Timeout %q", sc.Timeout)
	}
	return
}

func (sc *SolverControls) Print() {
	fmt.Printf("\"%s\"\t\t= Title\n", sc.Title)
	fmt.Printf("[%s]\t\t= Case\n", sc.Case)
	fmt.Printf("[%d]\t\t\t= NCells\n", sc.NCells)
	fmt.Printf("[%d]\t\t\t= NParts\n", sc.NParts)
	fmt.Printf("[%s]\t\t\t= Solver\n", sc.Solver)
	fmt.Printf("[%s]\t= Preconditioner\n", sc.Preconditioner)
	fmt.Printf("[%v]\t\t\t= Coupled\n", sc.IsCoupled())
	fmt.Printf("%8.2e\t\t= Tolerance\n", sc.Tolerance)
	fmt.Printf("%8.2e\t\t= RelTol\n", sc.RelTol)
	fmt.Printf("[%d]\t\t\t= MaxIter\n", sc.MaxIter)
	if sc.Preconditioner == "GAMG" {
		fmt.Printf("[%s]\t= Smoother\n", sc.Smoother)
		fmt.Printf("[%d/%d]\t\t\t= Pre/Post Sweeps\n", sc.NPreSweeps, sc.NPostSweeps)
		fmt.Printf("[%d]\t\t\t= NCellsInCoarsestLevel\n", sc.NCellsInCoarsestLevel)
	}
	keys := make([]string, 0, len(sc.DiagonalShift))
	for k := range sc.DiagonalShift {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("DiagonalShift[%s] = %v\n", key, sc.DiagonalShift[key])
	}
}
