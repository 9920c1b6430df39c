package comm

import (
	"fmt"
	"math"
)

// Reserved tags for collectives. Point-to-point users must use tags >= 0.
const (
	tagReduce = -1 - iota
	tagBroadcast
	tagGather
)

type Op uint8

const (
	OpSum Op = iota
	OpMax
	OpMin
)

func (op Op) apply(acc, v []float64) {
	for i := range acc {
		switch op {
		case OpSum:
			acc[i] += v[i]
		case OpMax:
			acc[i] = math.Max(acc[i], v[i])
		case OpMin:
			acc[i] = math.Min(acc[i], v[i])
		}
	}
}

// AllReduce combines vals element-wise over all ranks, in rank order, and
// leaves the result in vals on every rank. The fixed reduction order keeps
// the result bit-identical between runs.
func (c *Comm) AllReduce(op Op, vals []float64) (err error) {
	if c.Size() == 1 {
		return
	}
	rs := NewRequestSet()
	defer rs.Cancel()
	if c.rank != 0 {
		if _, err = c.Isend(rs, 0, tagReduce, vals); err != nil {
			return
		}
		var req *Request
		if req, err = c.Irecv(rs, 0, tagBroadcast, vals); err != nil {
			return
		}
		if err = req.Wait(); err != nil {
			return
		}
		return rs.Drain()
	}
	buf := make([]float64, len(vals))
	for src := 1; src < c.Size(); src++ {
		var req *Request
		if req, err = c.Irecv(rs, src, tagReduce, buf); err != nil {
			return
		}
		if err = req.Wait(); err != nil {
			return
		}
		op.apply(vals, buf)
	}
	for dst := 1; dst < c.Size(); dst++ {
		if _, err = c.Isend(rs, dst, tagBroadcast, vals); err != nil {
			return
		}
	}
	return rs.Drain()
}

// AllReduceScalar is AllReduce for one value.
func (c *Comm) AllReduceScalar(op Op, val float64) (res float64, err error) {
	v := []float64{val}
	err = c.AllReduce(op, v)
	res = v[0]
	return
}

// AllGatherInts returns every rank's list, indexed by rank.
func (c *Comm) AllGatherInts(mine []int) (all [][]int, err error) {
	all = make([][]int, c.Size())
	all[c.rank] = append([]int(nil), mine...)
	if c.Size() == 1 {
		return
	}
	rs := NewRequestSet()
	defer rs.Cancel()
	send := make([]float64, len(mine))
	for i, v := range mine {
		send[i] = float64(v)
	}
	for dst := 0; dst < c.Size(); dst++ {
		if dst == c.rank {
			continue
		}
		if _, err = c.Isend(rs, dst, tagGather, send); err != nil {
			return
		}
	}
	for src := 0; src < c.Size(); src++ {
		if src == c.rank {
			continue
		}
		var req *Request
		if req, err = c.Irecv(rs, src, tagGather, nil); err != nil {
			return
		}
		if err = req.Wait(); err != nil {
			return
		}
		data := req.Data()
		all[src] = make([]int, len(data))
		for i, v := range data {
			if v != math.Trunc(v) {
				err = fmt.Errorf("gather from rank %d: non-integer value %v", src, v)
				return
			}
			all[src][i] = int(v)
		}
	}
	err = rs.Drain()
	return
}

// Barrier returns once every rank has entered it.
func (c *Comm) Barrier() error {
	_, err := c.AllReduceScalar(OpSum, 0)
	return err
}
