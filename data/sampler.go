package data

import "math/rand"

// TrainSampler shards a shuffled index permutation across ranks. Every rank
// receives the same count; the remainder is dropped identically on all
// ranks so accumulation boundaries line up.
type TrainSampler struct {
	n     int
	world int
	rank  int
	seed  int64
}

// NewTrainSampler creates a sampler for rank of world over n samples.
func NewTrainSampler(n, world, rank int, seed int64) *TrainSampler {
	return &TrainSampler{n: n, world: world, rank: rank, seed: seed}
}

// Indices returns this rank's shuffled indices for an epoch. The shuffle is
// seeded with seed+epoch so every epoch reorders differently but the whole
// run replays under the same seed; all ranks draw the same permutation and
// take disjoint shards.
func (s *TrainSampler) Indices(epoch int) []int {
	perm := rand.New(rand.NewSource(s.seed + int64(epoch))).Perm(s.n)
	per := s.n / s.world
	return perm[s.rank*per : (s.rank+1)*per]
}

// PerRank returns the number of samples each rank sees per epoch.
func (s *TrainSampler) PerRank() int { return s.n / s.world }

// EvalSampler shards a sequential index list across ranks, padding with
// duplicates of the leading samples so every rank evaluates the same number
// of batches (the collectives require lockstep). Padded entries land in the
// final ranks' tails; Real reports how many indices are genuine so the
// evaluator can exclude duplicates from its denominators.
type EvalSampler struct {
	indices []int
	real    int
	padded  bool
}

// NewEvalSampler creates the sampler for rank of world over n samples.
func NewEvalSampler(n, world, rank int) *EvalSampler {
	per := (n + world - 1) / world
	total := per * world

	padded := make([]int, total)
	for i := 0; i < total; i++ {
		padded[i] = i % n
	}
	lo, hi := rank*per, (rank+1)*per
	real := per
	if hi > n {
		real = n - lo
		if real < 0 {
			real = 0
		}
	}
	return &EvalSampler{
		indices: padded[lo:hi],
		real:    real,
		padded:  total != n,
	}
}

// Indices returns this rank's evaluation indices, padding included.
func (s *EvalSampler) Indices() []int { return s.indices }

// Real returns the count of non-duplicate indices at the front of Indices.
func (s *EvalSampler) Real() int { return s.real }

// Padded reports whether any rank carries duplicate entries; the caller
// should surface a warning once.
func (s *EvalSampler) Padded() bool { return s.padded }
