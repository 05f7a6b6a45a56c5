package supervisor

import (
	"maps"
	"slices"
	"sync"

	"github.com/CZERTAINLY/jsexec/internal/restart"
)

// RestartGroup is a registry of restart sources of executions in flight. A
// restart token can hold one implementation only, so every execution gets its
// own source and the group fans a restart out to all of them.
type RestartGroup struct {
	mx      sync.Mutex
	seq     uint64
	sources map[uint64]*restart.Source[*Rerun]
}

func NewRestartGroup() *RestartGroup {
	return &RestartGroup{
		sources: make(map[uint64]*restart.Source[*Rerun]),
	}
}

// Token returns a fresh restart token. release removes it from the group.
func (g *RestartGroup) Token() (restart.Token[*Rerun], func()) {
	src := NewRestartSource()
	g.mx.Lock()
	g.seq++
	id := g.seq
	g.sources[id] = src
	g.mx.Unlock()
	return src.Token(), func() {
		g.mx.Lock()
		delete(g.sources, id)
		g.mx.Unlock()
	}
}

// RestartAll restarts every open execution and returns the reruns, which may
// be awaited.
func (g *RestartGroup) RestartAll(reason string) []*Rerun {
	g.mx.Lock()
	sources := make([]*restart.Source[*Rerun], 0, len(g.sources))
	for _, id := range slices.Sorted(maps.Keys(g.sources)) {
		sources = append(sources, g.sources[id])
	}
	g.mx.Unlock()

	var reruns []*Rerun
	for _, src := range sources {
		if r, ok := src.Restart(reason); ok {
			reruns = append(reruns, r)
		}
	}
	return reruns
}

// Len returns number of registered tokens
func (g *RestartGroup) Len() int {
	g.mx.Lock()
	defer g.mx.Unlock()
	return len(g.sources)
}
