package comm

// PartitionMap splits a contiguous global cell range over NParts ranks with
// a maximum imbalance of one cell.
type PartitionMap struct {
	NCells int
	NParts int
	Ranges [][2]int // [begin, end) of each rank
}

func NewPartitionMap(nParts, nCells int) (pm *PartitionMap) {
	pm = &PartitionMap{
		NCells: nCells,
		NParts: nParts,
		Ranges: make([][2]int, nParts),
	}
	for rank := 0; rank < nParts; rank++ {
		pm.Ranges[rank] = pm.split1D(rank)
	}
	return
}

func (pm *PartitionMap) split1D(rank int) (bucket [2]int) {
	var (
		nPart            = pm.NCells / pm.NParts
		remainder        = pm.NCells % pm.NParts
		startAdd, endAdd int
	)
	// spread the remainder over the first ranks
	if remainder != 0 {
		if rank+1 > remainder {
			startAdd = remainder
		} else {
			startAdd = rank
			endAdd = 1
		}
	}
	bucket[0] = rank*nPart + startAdd
	bucket[1] = bucket[0] + nPart + endAdd
	return
}

// Owner returns the rank holding global cell and its local index there, or
// rank -1 if the cell is outside the map.
func (pm *PartitionMap) Owner(cell int) (rank, local int) {
	if cell < 0 || cell >= pm.NCells {
		return -1, 0
	}
	// The split is almost uniform, so the proportional guess is off by at
	// most one bucket.
	rank = int(float64(pm.NParts*cell) / float64(pm.NCells))
	for !(pm.Ranges[rank][0] <= cell && pm.Ranges[rank][1] > cell) {
		if pm.Ranges[rank][0] > cell {
			rank--
		} else {
			rank++
		}
		if rank == -1 || rank == pm.NParts {
			return -1, 0
		}
	}
	local = cell - pm.Ranges[rank][0]
	return
}

func (pm *PartitionMap) Range(rank int) (begin, end int) {
	return pm.Ranges[rank][0], pm.Ranges[rank][1]
}

func (pm *PartitionMap) Size(rank int) int {
	return pm.Ranges[rank][1] - pm.Ranges[rank][0]
}

func (pm *PartitionMap) Global(rank, local int) int {
	return pm.Ranges[rank][0] + local
}
