package comm

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionMap(t *testing.T) {
	{ // Maximum imbalance of one cell, ranges cover every cell
		for nCells := 5; nCells < 300; nCells++ {
			pm := NewPartitionMap(5, nCells)
			total, lo, hi := 0, math.MaxInt32, 0
			for rank := 0; rank < 5; rank++ {
				n := pm.Size(rank)
				total += n
				if n < lo {
					lo = n
				}
				if n > hi {
					hi = n
				}
			}
			assert.Equal(t, nCells, total)
			assert.True(t, hi-lo <= 1)
		}
	}
	{ // Owner inverts Global
		pm := NewPartitionMap(7, 100)
		for cell := 0; cell < 100; cell++ {
			rank, local := pm.Owner(cell)
			begin, end := pm.Range(rank)
			assert.True(t, begin <= cell && cell < end)
			assert.Equal(t, cell, pm.Global(rank, local))
		}
		rank, _ := pm.Owner(100)
		assert.Equal(t, -1, rank)
		rank, _ = pm.Owner(-1)
		assert.Equal(t, -1, rank)
	}
}

func TestPointToPoint(t *testing.T) {
	{ // Messages on one tag arrive in order, tags do not mix
		w := NewWorld(2)
		err := w.Run(func(c *Comm) (err error) {
			rs := NewRequestSet()
			defer rs.Cancel()
			if c.Rank() == 0 {
				for i := 0; i < 3; i++ {
					if _, err = c.Isend(rs, 1, 7, []float64{float64(i)}); err != nil {
						return
					}
				}
				if _, err = c.Isend(rs, 1, 8, []float64{42}); err != nil {
					return
				}
				return rs.Drain()
			}
			r8, _ := c.Irecv(rs, 0, 8, make([]float64, 1))
			assert.NoError(t, r8.Wait())
			assert.Equal(t, []float64{42}, r8.Data())
			for i := 0; i < 3; i++ {
				r, _ := c.Irecv(rs, 0, 7, make([]float64, 1))
				assert.NoError(t, r.Wait())
				assert.Equal(t, float64(i), r.Data()[0])
			}
			return rs.Drain()
		})
		require.NoError(t, err)
		assert.Equal(t, 0, w.Pending())
	}
	{ // Sent data is copied
		w := NewWorld(2)
		c0, c1 := w.Comm(0), w.Comm(1)
		data := []float64{1, 2}
		_, err := c0.Isend(nil, 1, 0, data)
		require.NoError(t, err)
		data[0] = 99
		r, _ := c1.Irecv(nil, 0, 0, nil)
		require.NoError(t, r.Wait())
		assert.Equal(t, []float64{1, 2}, r.Data())
	}
}

func TestFailures(t *testing.T) {
	{ // Size mismatch
		w := NewWorld(2)
		_, err := w.Comm(0).Isend(nil, 1, 0, []float64{1, 2, 3})
		require.NoError(t, err)
		r, _ := w.Comm(1).Irecv(nil, 0, 0, make([]float64, 2))
		assert.True(t, errors.Is(r.Wait(), ErrSizeMismatch))
	}
	{ // Timeout
		w := NewWorld(2, WithTimeout(20*time.Millisecond))
		r, _ := w.Comm(1).Irecv(nil, 0, 0, make([]float64, 1))
		assert.True(t, errors.Is(r.Wait(), ErrTimeout))
	}
	{ // Unreachable peer
		w := NewWorld(3)
		w.Disconnect(2)
		_, err := w.Comm(0).Isend(nil, 2, 0, []float64{1})
		assert.True(t, errors.Is(err, ErrUnreachable))
		_, err = w.Comm(0).Irecv(nil, 2, 0, nil)
		assert.True(t, errors.Is(err, ErrUnreachable))
	}
	{ // A failing rank wakes the ranks waiting on it
		w := NewWorld(2, WithTimeout(time.Minute))
		start := time.Now()
		err := w.Run(func(c *Comm) error {
			if c.Rank() == 0 {
				return errors.New("rank 0 failed")
			}
			r, _ := c.Irecv(nil, 0, 0, nil)
			werr := r.Wait()
			assert.True(t, errors.Is(werr, ErrAborted))
			return werr
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "rank 0 failed")
		assert.True(t, time.Since(start) < 10*time.Second)
	}
	{ // A panicking rank aborts the world
		w := NewWorld(2, WithTimeout(time.Minute))
		err := w.Run(func(c *Comm) error {
			if c.Rank() == 1 {
				panic("bad index")
			}
			r, _ := c.Irecv(nil, 1, 0, nil)
			return r.Wait()
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
	}
}

func TestRequestSet(t *testing.T) {
	{ // Drain completes everything, cancel withdraws unreceived sends
		w := NewWorld(2)
		c0, c1 := w.Comm(0), w.Comm(1)
		rs := NewRequestSet()
		_, err := c0.Isend(rs, 1, 3, []float64{1})
		require.NoError(t, err)
		_, err = c0.Isend(rs, 1, 4, []float64{2})
		require.NoError(t, err)
		assert.Equal(t, 2, rs.Len())
		assert.Equal(t, 2, w.Pending())
		rs.Cancel()
		assert.Equal(t, 0, rs.Len())
		assert.Equal(t, 0, w.Pending())

		r, _ := c1.Irecv(rs, 0, 3, nil)
		done, err := r.Test()
		require.NoError(t, err)
		assert.False(t, done)
		assert.Equal(t, 1, rs.Len())
		_, _ = c0.Isend(nil, 1, 3, []float64{5})
		require.NoError(t, rs.Drain())
		assert.Equal(t, 0, rs.Len())
		assert.Equal(t, []float64{5}, r.Data())
		r.Cancel() // no effect once complete
		assert.False(t, r.Outstanding())
		assert.Equal(t, []float64{5}, r.Data())
	}
	{ // Waiting on a cancelled request fails
		w := NewWorld(2)
		r, _ := w.Comm(0).Irecv(nil, 1, 0, nil)
		r.Cancel()
		assert.True(t, errors.Is(r.Wait(), ErrCancelled))
	}
}

func TestCollectives(t *testing.T) {
	var (
		w       = NewWorld(4)
		mu      sync.Mutex
		sums    []float64
		gathers [][][]int
	)
	err := w.Run(func(c *Comm) (err error) {
		vals := []float64{float64(c.Rank()), float64(c.Rank() * c.Rank())}
		if err = c.AllReduce(OpSum, vals); err != nil {
			return
		}
		var mx, mn float64
		if mx, err = c.AllReduceScalar(OpMax, float64(c.Rank())); err != nil {
			return
		}
		if mn, err = c.AllReduceScalar(OpMin, float64(c.Rank())); err != nil {
			return
		}
		assert.Equal(t, 3., mx)
		assert.Equal(t, 0., mn)
		var all [][]int
		if all, err = c.AllGatherInts([]int{c.Rank(), 10 + c.Rank()}); err != nil {
			return
		}
		if err = c.Barrier(); err != nil {
			return
		}
		mu.Lock()
		sums = append(sums, vals...)
		gathers = append(gathers, all)
		mu.Unlock()
		return
	})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		assert.Equal(t, []float64{6, 14}, sums[2*i:2*i+2])
		assert.Equal(t, [][]int{{0, 10}, {1, 11}, {2, 12}, {3, 13}}, gathers[i])
	}
	assert.Equal(t, 0, w.Pending())
}
