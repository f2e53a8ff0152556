// Package dist runs data-parallel training as a fixed group of lockstep
// rank goroutines inside one process. Each rank owns a model replica and a
// dataset shard; the only blocking points are the collectives below, which
// every rank must reach in the same order. Rank zero alone performs side
// effects with global consequence (checkpoints, log files).
package dist

import "sync"

// Group is a process group of world ranks. All collectives are full-group:
// every rank must participate in every call.
type Group struct {
	world int

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []float64
	arrived int
	leaving bool
}

// New creates a group for world ranks. world must be at least 1.
func New(world int) *Group {
	if world < 1 {
		world = 1
	}
	g := &Group{world: world}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// World returns the number of ranks.
func (g *Group) World() int { return g.world }

// IsMain reports whether rank is the side-effect-performing rank.
func IsMain(rank int) bool { return rank == 0 }

// AllReduceSum replaces v on every rank with the elementwise sum across
// ranks. All ranks must pass vectors of identical length.
func (g *Group) AllReduceSum(v []float64) {
	g.reduce(v, 1.0)
}

// AllReduceMean replaces v on every rank with the elementwise mean across
// ranks. Gradient averaging at accumulation boundaries and epoch statistic
// aggregation both go through here.
func (g *Group) AllReduceMean(v []float64) {
	g.reduce(v, 1.0/float64(g.world))
}

func (g *Group) reduce(v []float64, scale float64) {
	if g.world == 1 {
		if scale != 1.0 {
			for i := range v {
				v[i] *= scale
			}
		}
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	// Wait out the drain of a previous collective.
	for g.leaving {
		g.cond.Wait()
	}

	if g.arrived == 0 {
		if cap(g.buf) < len(v) {
			g.buf = make([]float64, len(v))
		}
		g.buf = g.buf[:len(v)]
		for i := range g.buf {
			g.buf[i] = 0
		}
	}
	for i, x := range v {
		g.buf[i] += x
	}
	g.arrived++

	if g.arrived == g.world {
		if scale != 1.0 {
			for i := range g.buf {
				g.buf[i] *= scale
			}
		}
		g.leaving = true
		g.cond.Broadcast()
	} else {
		for !g.leaving {
			g.cond.Wait()
		}
	}

	copy(v, g.buf)
	g.arrived--
	if g.arrived == 0 {
		g.leaving = false
		g.cond.Broadcast()
	}
}

// Barrier blocks until every rank has entered it.
func (g *Group) Barrier() {
	if g.world == 1 {
		return
	}
	var scratch [1]float64
	g.reduce(scratch[:], 1.0)
}
