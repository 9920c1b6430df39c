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

	"github.com/spf13/cobra"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/cases"
	"github.com/notargets/ldusolve/colouring"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/precon"
)

// ColourCmd represents the colour command
var ColourCmd = &cobra.Command{
	Use:   "colour",
	Short: "Show the rank colouring of a partitioned model problem",
	Long: `
Builds the interfaces of the model problem on nParts ranks and prints the
colour of every rank and the lower and higher neighbours it sweeps against.

ldusolve colour -c ring -p 3`,
	Run: func(cmd *cobra.Command, args []string) {
		icFile, _ := cmd.Flags().GetString("inputConditionsFile")
		ctl := processInput(icFile)
		applyOverrides(cmd, ctl)
		schedules, err := Schedules(ctl)
		if err != nil {
			log.Fatalf("colouring failed: %v", err)
		}
		fmt.Printf("%s on %d ranks, %d colours\n", ctl.Case, ctl.NParts, schedules[0].NColours)
		for rank, s := range schedules {
			fmt.Printf("rank %3d colour %2d lower interfaces %v higher interfaces %v\n",
				rank, s.MyColour, s.LowerNbrs, s.HigherNbrs)
		}
	},
}

func init() {
	rootCmd.AddCommand(ColourCmd)
	ColourCmd.Flags().StringP("inputConditionsFile", "I", "", "YAML file of solver controls")
	ColourCmd.Flags().StringP("preconditioner", "P", "", "unused, accepted for symmetry with solve")
	ColourCmd.Flags().StringP("case", "c", "", "model problem: chain, ring or laplace2d")
}

// Schedules colours the rank graph of the case in ctl, returning the
// schedule of every rank.
func Schedules(ctl *InputParameters.SolverControls) (schedules []*colouring.Schedule, err error) {
	var g *cases.Global
	if g, err = cases.New(ctl); err != nil {
		return
	}
	var (
		world = comm.NewWorld(ctl.NParts, comm.WithTimeout(ctl.WaitTimeout()))
		cache = colouring.NewCache()
	)
	schedules = make([]*colouring.Schedule, ctl.NParts)
	err = world.Run(func(c *comm.Comm) (err error) {
		var (
			part *cases.Part
			sys  *precon.System
		)
		if part, err = g.Part(c.Rank()); err != nil {
			return
		}
		if sys, err = part.System(c, cache); err != nil {
			return
		}
		// each rank writes only its own slot
		schedules[c.Rank()], err = colouring.NewSchedule(c, sys.Matrix.Addressing().ID(), sys.Interfaces, cache)
		return
	})
	return
}
