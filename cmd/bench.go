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
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/colouring"
)

// BenchCmd represents the bench command
var BenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Compare preconditioners on one model problem",
	Long: `
Solves the model problem once per preconditioner and reports iterations, wall
time and, where the platform counts them, CPU instructions.

ldusolve bench -I controls.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		icFile, _ := cmd.Flags().GetString("inputConditionsFile")
		ctl := processInput(icFile)
		applyOverrides(cmd, ctl)
		pcs, _ := cmd.Flags().GetStringSlice("preconditioners")
		for _, row := range Bench(ctl, pcs) {
			fmt.Println(row)
		}
	},
}

func init() {
	rootCmd.AddCommand(BenchCmd)
	BenchCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML file of solver controls")
	BenchCmd.Flags().StringP("preconditioner", "P", "", "unused, see --preconditioners")
	BenchCmd.Flags().StringP("case", "c", "", "model problem: chain, ring or laplace2d")
	BenchCmd.Flags().StringSlice("preconditioners",
		[]string{"none", "diagonal", "DILU", "distributedDILU", "GAMG"}, "preconditioners to compare")
}

type BenchRow struct {
	Preconditioner string
	Iterations     int
	Converged      bool
	Elapsed        time.Duration
	Instructions   uint64 // zero where not counted
}

func (br BenchRow) String() string {
	return fmt.Sprintf("%-16s iterations %5d converged %-5v elapsed %12v instructions %d",
		br.Preconditioner, br.Iterations, br.Converged, br.Elapsed, br.Instructions)
}

// Bench solves once per preconditioner, sharing one colouring cache.
func Bench(ctl *InputParameters.SolverControls, pcs []string) (rows []BenchRow) {
	cache := colouring.NewCache()
	for _, pc := range pcs {
		run := *ctl
		run.Preconditioner = pc
		if err := run.Validate(); err != nil {
			log.Printf("skipping %s: %v", pc, err)
			continue
		}
		var res *SolveResult
		count, err := countInstructions(func() (err error) {
			res, err = Solve(&run, cache)
			return
		})
		if err != nil {
			log.Printf("%s failed: %v", pc, err)
			continue
		}
		rows = append(rows, BenchRow{
			Preconditioner: pc,
			Iterations:     res.Perf.NIterations,
			Converged:      res.Perf.Converged,
			Elapsed:        res.Elapsed,
			Instructions:   count,
		})
	}
	return
}
