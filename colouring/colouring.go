// Package colouring orders the ranks of a partitioned mesh for distributed
// Gauss-Seidel type sweeps. Ranks that share an interface get different
// colours; a forward sweep visits colours in increasing order and a
// backward sweep in decreasing order, so every rank sees its neighbours'
// data in the order a serial sweep over the colour-ordered cells would.
package colouring

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrCollision  = errors.New("colouring: neighbouring ranks share a colour")
	ErrAsymmetric = errors.New("colouring: rank adjacency is not symmetric")
)

// Colour assigns each rank the smallest colour not already taken by a
// neighbour, visiting ranks in increasing order. The result depends only on
// the adjacency, so every rank computes the same colouring.
func Colour(adjacency [][]int) (colours []int) {
	colours = make([]int, len(adjacency))
	for i := range colours {
		colours[i] = -1
	}
	used := make([]bool, len(adjacency)+1)
	for rank, nbrs := range adjacency {
		for i := range used {
			used[i] = false
		}
		for _, nbr := range nbrs {
			if nbr >= 0 && nbr < len(colours) && colours[nbr] >= 0 {
				used[colours[nbr]] = true
			}
		}
		c := 0
		for used[c] {
			c++
		}
		colours[rank] = c
	}
	return
}

// NColours counts distinct colours.
func NColours(colours []int) (n int) {
	for _, c := range colours {
		if c+1 > n {
			n = c + 1
		}
	}
	return
}

// Validate checks that adjacency is symmetric and that no two neighbours
// share a colour.
func Validate(adjacency [][]int, colours []int) error {
	if len(colours) != len(adjacency) {
		return fmt.Errorf("%d colours for %d ranks: %w", len(colours), len(adjacency), ErrCollision)
	}
	for rank, nbrs := range adjacency {
		for _, nbr := range nbrs {
			if nbr < 0 || nbr >= len(adjacency) {
				return fmt.Errorf("rank %d lists neighbour %d outside [0,%d): %w",
					rank, nbr, len(adjacency), ErrAsymmetric)
			}
			if !contains(adjacency[nbr], rank) {
				return fmt.Errorf("rank %d lists %d, which does not list it back: %w",
					rank, nbr, ErrAsymmetric)
			}
			if colours[rank] == colours[nbr] {
				return fmt.Errorf("ranks %d and %d both have colour %d: %w",
					rank, nbr, colours[rank], ErrCollision)
			}
		}
	}
	return nil
}

func contains(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Normalize sorts and deduplicates each neighbour list and removes
// self-references, which are local couplings and take no part in the
// ordering.
func Normalize(adjacency [][]int) (out [][]int) {
	out = make([][]int, len(adjacency))
	for rank, nbrs := range adjacency {
		seen := make(map[int]bool)
		for _, nbr := range nbrs {
			if nbr == rank || seen[nbr] {
				continue
			}
			seen[nbr] = true
			out[rank] = append(out[rank], nbr)
		}
		sort.Ints(out[rank])
	}
	return
}
