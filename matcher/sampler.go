package matcher

import (
	"math/rand"
	"sync"
	"time"
)

// Sampler is the source of randomness for Match.
type Sampler interface {
	// Permutation returns a uniformly random permutation of [0, n).
	Permutation(n int) []int

	// SampleWithReplacement returns count independent uniform draws from [1, k].
	SampleWithReplacement(k, count int) []int
}

// RandSampler is a Sampler backed by a seeded math/rand stream. It is safe
// for concurrent use; calls are serialized so a fixed seed always yields the
// same sequence of draws for the same sequence of calls.
type RandSampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandSampler creates a RandSampler. A zero seed uses a time-based seed.
func NewRandSampler(seed int64) *RandSampler {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSampler{rng: rand.New(rand.NewSource(seed))} //nolint:gosec
}

func (s *RandSampler) Permutation(n int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Perm(n)
}

func (s *RandSampler) SampleWithReplacement(k, count int) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, count)
	for i := range out {
		out[i] = s.rng.Intn(k) + 1
	}
	return out
}
