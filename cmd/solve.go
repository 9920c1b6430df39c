/*
Copyright © 2020 NAME HERE <EMAIL ADDRESS>

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"fmt"
	"io/ioutil"
	"log"
	"math"
	"os"
	"sync"
	"time"

	"github.com/pkg/profile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/cases"
	"github.com/notargets/ldusolve/colouring"
	"github.com/notargets/ldusolve/comm"
	_ "github.com/notargets/ldusolve/gamg"
	"github.com/notargets/ldusolve/krylov"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/precon"
)

type SolveRun struct {
	ICFile     string
	Profile    string
	ProfileDir string
}

// SolveCmd represents the solve command
var SolveCmd = &cobra.Command{
	Use:   "solve",
	Short: "Solve a partitioned model problem",
	Long: `
Splits the model problem named in the input file over nParts in-process ranks
and solves it with the selected Krylov solver and preconditioner.

ldusolve solve -I controls.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		var (
			err error
			sr  = &SolveRun{}
		)
		sr.ICFile, _ = cmd.Flags().GetString("inputConditionsFile")
		sr.Profile, _ = cmd.Flags().GetString("profile")
		sr.ProfileDir, _ = cmd.Flags().GetString("profileDir")
		ctl := processInput(sr.ICFile)
		applyOverrides(cmd, ctl)
		ctl.Print()
		if stop := startProfile(sr); stop != nil {
			defer stop()
		}
		var res *SolveResult
		if res, err = Solve(ctl, nil); err != nil {
			log.Fatalf("solve failed: %v", err)
		}
		res.Print()
	},
}

func init() {
	rootCmd.AddCommand(SolveCmd)
	SolveCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML file of solver controls")
	SolveCmd.Flags().StringP("preconditioner", "P", "", "preconditioner, overrides the input file")
	SolveCmd.Flags().StringP("case", "c", "", "model problem: chain, ring or laplace2d")
	SolveCmd.Flags().String("profile", "", "profile the solve: cpu or mem")
	SolveCmd.Flags().String("profileDir", ".", "directory for profile output")
}

func processInput(icFile string) (ctl *InputParameters.SolverControls) {
	ctl = InputParameters.NewSolverControls()
	if len(icFile) == 0 {
		return
	}
	var (
		data []byte
		err  error
	)
	if data, err = ioutil.ReadFile(icFile); err != nil {
		log.Fatalf("reading %s: %v", icFile, err)
	}
	if err = ctl.Parse(data); err != nil {
		exampleFile := `
########################################
Title: "Laplace test"
Case: laplace2d         # chain, ring or laplace2d
NCells: 16
NParts: 4
Solver: PCG             # or PBiCGStab
Preconditioner: distributedDILU
Coupled: true
Tolerance: 1.e-8
MaxIter: 1000
########################################
`
		fmt.Printf("error: %s\nExample File:%s\n", err.Error(), exampleFile)
		os.Exit(1)
	}
	return
}

// applyOverrides lays flags and the root config over the input file.
func applyOverrides(cmd *cobra.Command, ctl *InputParameters.SolverControls) {
	if n := viper.GetInt("nParts"); n > 0 {
		ctl.NParts = n
	}
	if to := viper.GetString("timeout"); to != "" {
		ctl.Timeout = to
	}
	if pc, _ := cmd.Flags().GetString("preconditioner"); pc != "" {
		ctl.Preconditioner = pc
	}
	if cs, _ := cmd.Flags().GetString("case"); cs != "" {
		ctl.Case = cs
	}
	if err := ctl.Validate(); err != nil {
		log.Fatalf("bad controls: %v", err)
	}
}

func startProfile(sr *SolveRun) (stop func()) {
	switch sr.Profile {
	case "cpu":
		return profile.Start(profile.CPUProfile, profile.ProfilePath(sr.ProfileDir)).Stop
	case "mem":
		return profile.Start(profile.MemProfile, profile.ProfilePath(sr.ProfileDir)).Stop
	case "":
		return nil
	}
	log.Printf("unknown profile %q, running without", sr.Profile)
	return nil
}

type SolveResult struct {
	Case     string
	NParts   int
	Perf     precon.SolverPerformance
	Psi      []ldu.Scalar
	MaxError float64
	Elapsed  time.Duration
}

func (sr *SolveResult) Print() {
	fmt.Printf("%s on %d ranks\n", sr.Case, sr.NParts)
	fmt.Println(sr.Perf.String())
	fmt.Printf("converged = %v, max error = %8.3e, elapsed = %v\n", sr.Perf.Converged, sr.MaxError, sr.Elapsed)
}

// Solve runs one partitioned solve of the case in ctl. A nil cache gets a
// fresh one.
func Solve(ctl *InputParameters.SolverControls, cache *colouring.Cache) (res *SolveResult, err error) {
	var g *cases.Global
	if g, err = cases.New(ctl); err != nil {
		return
	}
	if cache == nil {
		cache = colouring.NewCache()
	}
	var (
		world = comm.NewWorld(ctl.NParts, comm.WithTimeout(ctl.WaitTimeout()))
		mu    sync.Mutex
		start = time.Now()
	)
	res = &SolveResult{
		Case:   g.Name,
		NParts: ctl.NParts,
		Psi:    make([]ldu.Scalar, g.NCells),
	}
	err = world.Run(func(c *comm.Comm) (err error) {
		var (
			part *cases.Part
			sys  *precon.System
			s    krylov.Solver
		)
		if part, err = g.Part(c.Rank()); err != nil {
			return
		}
		if sys, err = part.System(c, cache); err != nil {
			return
		}
		if s, err = krylov.New("psi", sys, ctl); err != nil {
			return
		}
		psi := make([]ldu.Scalar, len(part.Cells))
		var perf precon.SolverPerformance
		if perf, err = s.Solve(psi, part.Source); err != nil {
			return
		}
		mu.Lock()
		part.Gather(psi, res.Psi)
		if c.Rank() == 0 {
			res.Perf = perf
		}
		mu.Unlock()
		return
	})
	if err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	for c, x := range g.Exact {
		res.MaxError = math.Max(res.MaxError, math.Abs(res.Psi[c]-x))
	}
	return
}
