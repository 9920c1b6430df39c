package cmd

import (
	"log"

	perf "github.com/hodgesds/perf-utils"
)

// countInstructions runs f under a CPU instruction counter. Without perf
// event access f still runs and the count is zero.
func countInstructions(f func() error) (count uint64, err error) {
	var (
		pv    *perf.ProfileValue
		ran   bool
		inner error
	)
	pv, err = perf.CPUInstructions(func() error {
		ran = true
		inner = f()
		return inner
	})
	if inner != nil {
		return 0, inner
	}
	if err != nil {
		if ran {
			log.Printf("instruction count unavailable: %v", err)
			return 0, nil
		}
		return 0, f()
	}
	return pv.Value, nil
}
