// Package matcher implements predictive mean matching donor selection.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"
)

var (
	ErrNilSampler      = errors.New("sampler cannot be nil")
	ErrInvalidLength   = errors.New("input lengths do not match")
	ErrEmptyDonorPool  = errors.New("donor pool is empty")
	ErrNoEligibleDonor = errors.New("no eligible donor after exclusion")
	ErrInvalidDraws    = errors.New("draws must be >= 1")
)

// EmptyPoolPolicy decides what happens when every donor is excluded for a
// target.
type EmptyPoolPolicy int

const (
	// FailOnEmptyPool makes Match return an error wrapping ErrNoEligibleDonor.
	FailOnEmptyPool EmptyPoolPolicy = iota
	// FallbackToFullPool searches the unfiltered donor pool instead.
	FallbackToFullPool
)

func (p EmptyPoolPolicy) String() string {
	switch p {
	case FailOnEmptyPool:
		return "fail"
	case FallbackToFullPool:
		return "fallback"
	}
	return fmt.Sprintf("EmptyPoolPolicy(%d)", int(p))
}

// ParseEmptyPoolPolicy maps "fail" and "fallback" to their policies.
func ParseEmptyPoolPolicy(s string) (EmptyPoolPolicy, error) {
	switch s {
	case "", "fail":
		return FailOnEmptyPool, nil
	case "fallback":
		return FallbackToFullPool, nil
	}
	return 0, fmt.Errorf("unknown empty pool policy %q (want fail or fallback)", s)
}

// Matcher selects donors by predictive mean matching. For every target it
// draws one of the k donors whose predicted values are closest to the
// target's predicted value, skipping donors whose true value equals the
// target's exclusion value.
type Matcher struct {
	Sampler Sampler

	// Workers bounds the goroutines used for the per-target search. Values
	// below 2 run the search serially. The output does not depend on it.
	Workers int

	EmptyPool EmptyPoolPolicy

	// Logger receives one debug record per call. Nil means slog.Default().
	Logger *slog.Logger
}

// NewMatcher creates a Matcher drawing its randomness from s.
func NewMatcher(s Sampler) (*Matcher, error) {
	if s == nil {
		return nil, ErrNilSampler
	}
	return &Matcher{Sampler: s}, nil
}

// MatchIndex is a one-shot Match with a fresh RandSampler seeded with seed.
func MatchIndex(donorPred, targetPred []float64, k int, exclude, donorTrue []float64, seed int64) ([]int, error) {
	m, err := NewMatcher(NewRandSampler(seed))
	if err != nil {
		return nil, err
	}
	return m.Match(context.Background(), donorPred, targetPred, k, exclude, donorTrue)
}

// NoExclusion returns an exclusion value that never equals a donor's true
// value, so the full donor pool stays eligible.
func NoExclusion() float64 { return math.NaN() }

// ClampK restricts k to [1, nDonor].
func ClampK(k, nDonor int) int {
	if k > nDonor {
		k = nDonor
	}
	if k < 1 {
		k = 1
	}
	return k
}

// pool is the donor sequence sorted ascending by predicted value. ids maps a
// sorted position back to the donor's index in the input slices.
type pool struct {
	values []float64
	ids    []int
}

// Match returns, for every target, the 0-based index of the selected donor.
//
// The algorithm:
//  1. Shuffle the donors so that ties in predicted value are ordered at random.
//  2. Stable-sort the shuffled donors by predicted value.
//  3. Draw a neighbor rank h in [1, k] for every target.
//  4. For each target, drop the donors whose true value equals the target's
//     exclusion value, locate the target in the remaining sorted pool and
//     walk outward from its two adjacent neighbors, always taking the closer
//     one (ties go right). The donor taken on step h is the match.
//
// All randomness is consumed in steps 1 and 3, so step 4 may run on several
// goroutines without changing the result.
func (m *Matcher) Match(ctx context.Context, donorPred, targetPred []float64, k int, exclude, donorTrue []float64) ([]int, error) {
	if m == nil || m.Sampler == nil {
		return nil, ErrNilSampler
	}
	nDonor := len(donorPred)
	nTarget := len(targetPred)
	if len(donorTrue) != nDonor {
		return nil, fmt.Errorf("donorPred has %d values, donorTrue has %d: %w", nDonor, len(donorTrue), ErrInvalidLength)
	}
	if len(exclude) != nTarget {
		return nil, fmt.Errorf("targetPred has %d values, exclude has %d: %w", nTarget, len(exclude), ErrInvalidLength)
	}
	if nDonor == 0 {
		return nil, ErrEmptyDonorPool
	}
	k = ClampK(k, nDonor)

	sorted, err := m.sortDonors(donorPred)
	if err != nil {
		return nil, err
	}
	h := m.Sampler.SampleWithReplacement(k, nTarget)
	if len(h) != nTarget {
		return nil, fmt.Errorf("sampler returned %d ranks, want %d", len(h), nTarget)
	}
	for i, hi := range h {
		if hi < 1 || hi > k {
			return nil, fmt.Errorf("sampler rank %d for target %d out of range [1, %d]", hi, i, k)
		}
	}

	m.logger().Debug("matching donors",
		slog.Int("donors", nDonor),
		slog.Int("targets", nTarget),
		slog.Int("k", k),
		slog.Int("workers", m.Workers))

	idx := make([]int, nTarget)
	search := func(i int) error {
		usable := sorted.eligible(donorTrue, exclude[i])
		if len(usable.values) == 0 {
			if m.EmptyPool != FallbackToFullPool {
				return fmt.Errorf("target %d (exclude=%v): %w", i, exclude[i], ErrNoEligibleDonor)
			}
			usable = sorted
		}
		idx[i] = usable.nth(targetPred[i], h[i])
		return nil
	}

	if m.Workers < 2 || nTarget < 2 {
		for i := range nTarget {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := search(i); err != nil {
				return nil, err
			}
		}
		return idx, nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(m.Workers)
	chunk := (nTarget + m.Workers - 1) / m.Workers
	for start := 0; start < nTarget; start += chunk {
		end := min(start+chunk, nTarget)
		eg.Go(func() error {
			for i := start; i < end; i++ {
				if err := egCtx.Err(); err != nil {
					return err
				}
				if err := search(i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return idx, nil
}

// MatchMany runs draws independent matches against the same sampler stream.
// Draws run one after another so a seeded sampler reproduces every draw.
func (m *Matcher) MatchMany(ctx context.Context, donorPred, targetPred []float64, k int, exclude, donorTrue []float64, draws int) ([][]int, error) {
	if draws < 1 {
		return nil, fmt.Errorf("got %d: %w", draws, ErrInvalidDraws)
	}
	out := make([][]int, draws)
	for d := range draws {
		idx, err := m.Match(ctx, donorPred, targetPred, k, exclude, donorTrue)
		if err != nil {
			return nil, fmt.Errorf("draw %d: %w", d, err)
		}
		out[d] = idx
	}
	return out, nil
}

func (m *Matcher) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// sortDonors shuffles the donors and stable-sorts the shuffled view by
// predicted value.
func (m *Matcher) sortDonors(donorPred []float64) (pool, error) {
	n := len(donorPred)
	perm := m.Sampler.Permutation(n)
	if len(perm) != n {
		return pool{}, fmt.Errorf("sampler returned permutation of length %d, want %d", len(perm), n)
	}
	ids := make([]int, n)
	seen := make([]bool, n)
	for i, p := range perm {
		if p < 0 || p >= n {
			return pool{}, fmt.Errorf("sampler permutation value %d out of range [0, %d)", p, n)
		}
		if seen[p] {
			return pool{}, fmt.Errorf("sampler permutation repeats value %d", p)
		}
		seen[p] = true
		ids[i] = p
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return donorPred[ids[a]] < donorPred[ids[b]]
	})
	values := make([]float64, n)
	for i, id := range ids {
		values[i] = donorPred[id]
	}
	return pool{values: values, ids: ids}, nil
}

// eligible returns the sorted donors whose true value differs from ex. The
// receiver is returned as is when nothing is excluded.
func (p pool) eligible(donorTrue []float64, ex float64) pool {
	excluded := 0
	for _, id := range p.ids {
		if donorTrue[id] == ex {
			excluded++
		}
	}
	if excluded == 0 {
		return p
	}
	out := pool{
		values: make([]float64, 0, len(p.ids)-excluded),
		ids:    make([]int, 0, len(p.ids)-excluded),
	}
	for i, id := range p.ids {
		if donorTrue[id] == ex {
			continue
		}
		out.values = append(out.values, p.values[i])
		out.ids = append(out.ids, id)
	}
	return out
}

// nth walks h steps outward from val's insertion point and returns the donor
// taken last. The pool must not be empty.
func (p pool) nth(val float64, h int) int {
	n := len(p.values)
	r := sort.SearchFloat64s(p.values, val)
	l := r - 1
	match := -1
	count := 0

	for count < h && l >= 0 && r < n {
		if val-p.values[l] < p.values[r]-val {
			match = p.ids[l]
			l--
		} else {
			match = p.ids[r]
			r++
		}
		count++
	}
	// right side exhausted
	for count < h && l >= 0 {
		match = p.ids[l]
		l--
		count++
	}
	// left side exhausted
	for count < h && r < n {
		match = p.ids[r]
		r++
		count++
	}
	return match
}

// OneBased converts 0-based donor indices to the 1-based convention used by
// R-style hosts.
func OneBased(idx []int) []int {
	out := make([]int, len(idx))
	for i, v := range idx {
		out[i] = v + 1
	}
	return out
}

// Gather returns values[idx[i]] for every i: the donor values borrowed by
// each target.
func Gather(values []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}
