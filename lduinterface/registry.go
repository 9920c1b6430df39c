package lduinterface

import (
	"fmt"
	"sort"
	"sync"

	"github.com/notargets/ldusolve/comm"
)

// Spec describes one coupled patch as the mesh layer hands it over.
type Spec struct {
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	NFaces    int       `json:"nFaces"`
	FaceCells []int     `json:"faceCells"`
	NbrRank   int       `json:"nbrRank"`
	Tag       int       `json:"tag"`
	Partner   string    `json:"partner,omitempty"`   // cyclic: the other half
	Transform []float64 `json:"transform,omitempty"` // row-major 3x3 rotation
	Rank      int       `json:"rank,omitempty"`      // tensor rank of the solved field
	Component int       `json:"component,omitempty"` // component being solved
}

type Factory func(c *comm.Comm, spec Spec) (Interface, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a factory under a type name. Registering a name twice
// panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Errorf("lduinterface: type %q registered twice", name))
	}
	registry[name] = f
}

// Types lists the registered type names.
func Types() (names []string) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

func New(c *comm.Comm, spec Spec) (ifc Interface, err error) {
	registryMu.RLock()
	f, ok := registry[spec.Type]
	registryMu.RUnlock()
	if !ok {
		err = fmt.Errorf("unknown interface type %q, valid types are %v", spec.Type, Types())
		return
	}
	return f(c, spec)
}

func init() {
	Register("processor", func(c *comm.Comm, spec Spec) (Interface, error) {
		return NewProcessorInterface(c, spec)
	})
	Register("processorCyclic", func(c *comm.Comm, spec Spec) (Interface, error) {
		// Both halves on this rank: no message passing, use the mirror.
		if spec.NbrRank == c.Rank() {
			return NewCyclicInterface(c, spec)
		}
		return NewProcessorCyclicInterface(c, spec)
	})
	Register("cyclic", func(c *comm.Comm, spec Spec) (Interface, error) {
		return NewCyclicInterface(c, spec)
	})
}

// Build constructs the interfaces of one rank in spec order and pairs the
// local cyclic halves by name.
func Build(c *comm.Comm, specs []Spec) (ifs Interfaces, err error) {
	var (
		byName = make(map[string]*CyclicInterface)
		tags   = make(map[[2]int]string)
	)
	ifs = make(Interfaces, len(specs))
	for i, spec := range specs {
		if ifs[i], err = New(c, spec); err != nil {
			return nil, err
		}
		if ci, ok := ifs[i].(*CyclicInterface); ok {
			byName[ci.Name()] = ci
			continue
		}
		k := [2]int{ifs[i].NbrRank(), ifs[i].Tag()}
		if other, dup := tags[k]; dup {
			return nil, fmt.Errorf("interfaces %s and %s share tag %d towards rank %d",
				other, spec.Name, k[1], k[0])
		}
		tags[k] = spec.Name
	}
	for _, ci := range byName {
		if ci.partner != nil {
			continue
		}
		partner, ok := byName[ci.partnerName]
		if !ok || partner == ci {
			return nil, fmt.Errorf("cyclic %s, partner %q: %w", ci.Name(), ci.partnerName, ErrUnpaired)
		}
		if err = Pair(ci, partner); err != nil {
			return nil, err
		}
	}
	return
}
