package colouring

import (
	"fmt"
	"sync"

	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/lduinterface"
)

// Cache keeps colourings keyed by mesh identity so that repeated
// preconditioner constructions on one mesh do not recolour. It may be
// shared by the ranks of a World.
type Cache struct {
	mu      sync.Mutex
	entries map[ldu.MeshID][]int
	hits    int
	misses  int
}

func NewCache() *Cache {
	return &Cache{entries: make(map[ldu.MeshID][]int)}
}

func (cc *Cache) Get(id ldu.MeshID) (colours []int, ok bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	colours, ok = cc.entries[id]
	return
}

func (cc *Cache) Put(id ldu.MeshID, colours []int) {
	cc.mu.Lock()
	cc.entries[id] = append([]int(nil), colours...)
	cc.mu.Unlock()
}

// Invalidate drops the colouring of one mesh, after its partition topology
// has changed.
func (cc *Cache) Invalidate(id ldu.MeshID) {
	cc.mu.Lock()
	delete(cc.entries, id)
	cc.mu.Unlock()
}

func (cc *Cache) Clear() {
	cc.mu.Lock()
	cc.entries = make(map[ldu.MeshID][]int)
	cc.mu.Unlock()
}

// Stats returns the number of lookups that reused and that computed a
// colouring.
func (cc *Cache) Stats() (hits, misses int) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.hits, cc.misses
}

func (cc *Cache) count(hit bool) {
	cc.mu.Lock()
	if hit {
		cc.hits++
	} else {
		cc.misses++
	}
	cc.mu.Unlock()
}

// Schedule is one rank's view of the colouring.
type Schedule struct {
	MeshID     ldu.MeshID
	Colours    []int // by rank
	NColours   int
	MyColour   int
	LowerNbrs  []int // interface indices towards lower colours
	HigherNbrs []int // interface indices towards higher colours
}

// NewSchedule colours the rank graph induced by ifs, or reuses the cached
// colouring of meshID, and sorts the interfaces of this rank into lower and
// higher neighbours. All ranks must call it together.
func NewSchedule(c *comm.Comm, id ldu.MeshID, ifs lduinterface.Interfaces, cache *Cache) (s *Schedule, err error) {
	var (
		colours []int
		cached  bool
	)
	if cache != nil {
		colours, cached = cache.Get(id)
	}
	// Recolour unless every rank has a cached colouring; a rank recolouring
	// alone would wait forever in the gather.
	hit := 0.
	if cached {
		hit = 1
	}
	if hit, err = c.AllReduceScalar(comm.OpMin, hit); err != nil {
		return
	}
	if hit == 0 {
		var adjacency [][]int
		if adjacency, err = c.AllGatherInts(ifs.NbrRanks()); err != nil {
			return
		}
		adjacency = Normalize(adjacency)
		colours = Colour(adjacency)
		if err = Validate(adjacency, colours); err != nil {
			return
		}
		if cache != nil {
			cache.Put(id, colours)
		}
	}
	if cache != nil {
		cache.count(hit == 1)
	}
	if len(colours) != c.Size() {
		err = fmt.Errorf("colouring has %d ranks, world has %d: %w", len(colours), c.Size(), ErrCollision)
		return
	}
	s = &Schedule{
		MeshID:   id,
		Colours:  colours,
		NColours: NColours(colours),
		MyColour: colours[c.Rank()],
	}
	for i, ifc := range ifs {
		if ifc == nil || ifc.Local() {
			continue
		}
		nbrColour := colours[ifc.NbrRank()]
		switch {
		case nbrColour < s.MyColour:
			s.LowerNbrs = append(s.LowerNbrs, i)
		case nbrColour > s.MyColour:
			s.HigherNbrs = append(s.HigherNbrs, i)
		default:
			err = fmt.Errorf("interface %s joins ranks %d and %d, both colour %d: %w",
				ifc.Name(), c.Rank(), ifc.NbrRank(), nbrColour, ErrCollision)
			return nil, err
		}
	}
	return
}
