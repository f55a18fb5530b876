package matcher

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"testing"
)

// scriptedSampler replays a fixed permutation and fixed ranks.
type scriptedSampler struct {
	perm  []int
	ranks []int
	gotK  int
}

func (s *scriptedSampler) Permutation(n int) []int {
	if s.perm != nil {
		return s.perm
	}
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return p
}

func (s *scriptedSampler) SampleWithReplacement(k, count int) []int {
	s.gotK = k
	if s.ranks != nil {
		return s.ranks
	}
	out := make([]int, count)
	for i := range out {
		out[i] = 1
	}
	return out
}

func noExclusions(n int) []float64 {
	ex := make([]float64, n)
	for i := range ex {
		ex[i] = NoExclusion()
	}
	return ex
}

// bruteNearest returns the eligible donor closest to val. Equidistant donors
// resolve to the larger predicted value, as Match does.
func bruteNearest(donorPred, donorTrue []float64, val, ex float64) int {
	best := -1
	bestDist := math.Inf(1)
	for j, d := range donorPred {
		if donorTrue[j] == ex {
			continue
		}
		dist := math.Abs(d - val)
		if dist < bestDist || (dist == bestDist && d > donorPred[best]) {
			best = j
			bestDist = dist
		}
	}
	return best
}

// distanceRank returns 1 + the number of eligible donors strictly closer to
// val than donor j.
func distanceRank(donorPred, donorTrue []float64, val, ex float64, j int) int {
	target := math.Abs(donorPred[j] - val)
	rank := 1
	for i, d := range donorPred {
		if donorTrue[i] == ex {
			continue
		}
		if math.Abs(d-val) < target {
			rank++
		}
	}
	return rank
}

var (
	exampleDonors  = []float64{-5, 5, 0, 10, 12}
	exampleTargets = []float64{-6, -4, 0, 2, 4, -2, 6}
)

func TestMatchNearestNeighborK1(t *testing.T) {
	m, err := NewMatcher(NewRandSampler(1))
	if err != nil {
		t.Fatalf("NewMatcher error: %v", err)
	}
	got, err := m.Match(context.Background(), exampleDonors, exampleTargets, 1, noExclusions(len(exampleTargets)), exampleDonors)
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	// -6,-4 -> -5; 0,2,-2 -> 0; 4,6 -> 5
	want := []int{0, 0, 2, 2, 1, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("target %v: expected donor %d (%v), got %d (%v)",
				exampleTargets[i], want[i], exampleDonors[want[i]], got[i], exampleDonors[got[i]])
		}
	}
}

func TestMatchK1AgreesWithBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const nDonor, nTarget = 200, 150
	donorPred := make([]float64, nDonor)
	donorTrue := make([]float64, nDonor)
	for i := range donorPred {
		donorPred[i] = rng.NormFloat64() * 10
		donorTrue[i] = float64(rng.Intn(20))
	}
	targetPred := make([]float64, nTarget)
	exclude := make([]float64, nTarget)
	for i := range targetPred {
		targetPred[i] = rng.NormFloat64() * 12
		exclude[i] = float64(rng.Intn(25))
	}

	m, _ := NewMatcher(NewRandSampler(99))
	got, err := m.Match(context.Background(), donorPred, targetPred, 1, exclude, donorTrue)
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	for i, j := range got {
		want := bruteNearest(donorPred, donorTrue, targetPred[i], exclude[i])
		if j != want {
			t.Fatalf("target %d: expected nearest donor %d, got %d", i, want, j)
		}
		if donorTrue[j] == exclude[i] {
			t.Fatalf("target %d: matched excluded donor %d", i, j)
		}
	}
}

func TestMatchExclusionPicksSecondNearest(t *testing.T) {
	m, _ := NewMatcher(NewRandSampler(5))
	ctx := context.Background()
	first, err := m.Match(ctx, exampleDonors, exampleTargets, 1, noExclusions(len(exampleTargets)), exampleDonors)
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}

	exclude := make([]float64, len(exampleTargets))
	for i, j := range first {
		exclude[i] = exampleDonors[j]
	}
	second, err := m.Match(ctx, exampleDonors, exampleTargets, 1, exclude, exampleDonors)
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	for i := range exampleTargets {
		if second[i] == first[i] {
			t.Fatalf("target %v: excluded donor %d was matched again", exampleTargets[i], first[i])
		}
		want := bruteNearest(exampleDonors, exampleDonors, exampleTargets[i], exclude[i])
		if second[i] != want {
			t.Fatalf("target %v: expected second-nearest donor %d, got %d", exampleTargets[i], want, second[i])
		}
	}
}

func TestMatchNeighborRankBound(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const nDonor, nTarget = 60, 300
	donorPred := make([]float64, nDonor)
	donorTrue := make([]float64, nDonor)
	for i := range donorPred {
		donorPred[i] = rng.Float64() * 100
		donorTrue[i] = float64(i % 4)
	}
	targetPred := make([]float64, nTarget)
	exclude := make([]float64, nTarget)
	for i := range targetPred {
		targetPred[i] = rng.Float64()*120 - 10
		exclude[i] = float64(rng.Intn(5))
	}

	for _, k := range []int{1, 3, 5, 10} {
		m, _ := NewMatcher(NewRandSampler(int64(k)))
		got, err := m.Match(context.Background(), donorPred, targetPred, k, exclude, donorTrue)
		if err != nil {
			t.Fatalf("k=%d: Match error: %v", k, err)
		}
		for i, j := range got {
			if j < 0 || j >= nDonor {
				t.Fatalf("k=%d target %d: index %d out of range", k, i, j)
			}
			if donorTrue[j] == exclude[i] {
				t.Fatalf("k=%d target %d: matched excluded donor %d", k, i, j)
			}
			if r := distanceRank(donorPred, donorTrue, targetPred[i], exclude[i], j); r > k {
				t.Fatalf("k=%d target %d: donor %d has distance rank %d", k, i, j, r)
			}
		}
	}
}

func TestMatchFullPoolWhenKEqualsDonors(t *testing.T) {
	m, _ := NewMatcher(NewRandSampler(3))
	seen := make(map[int]bool)
	for range 50 {
		got, err := m.Match(context.Background(), exampleDonors, exampleTargets, 5, noExclusions(len(exampleTargets)), exampleDonors)
		if err != nil {
			t.Fatalf("Match error: %v", err)
		}
		for _, j := range got {
			if j < 0 || j >= len(exampleDonors) {
				t.Fatalf("index %d out of range", j)
			}
			seen[j] = true
		}
	}
	if len(seen) != len(exampleDonors) {
		t.Fatalf("expected every donor to be drawn at least once with k=5, saw %v", seen)
	}
}

func TestMatchFewerEligibleThanK(t *testing.T) {
	donorPred := []float64{1, 2, 3, 4, 5, 6}
	donorTrue := []float64{0, 1, 0, 1, 0, 1}
	targets := []float64{-100, 3.5, 100}
	exclude := []float64{1, 1, 0}

	m, _ := NewMatcher(NewRandSampler(17))
	for range 30 {
		got, err := m.Match(context.Background(), donorPred, targets, 6, exclude, donorTrue)
		if err != nil {
			t.Fatalf("Match error: %v", err)
		}
		for i, j := range got {
			if donorTrue[j] == exclude[i] {
				t.Fatalf("target %d: matched excluded donor %d", i, j)
			}
		}
	}
}

func TestMatchDeterministicGivenSeed(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	donorPred := make([]float64, 100)
	for i := range donorPred {
		donorPred[i] = float64(rng.Intn(10)) // plenty of ties
	}
	targetPred := make([]float64, 80)
	for i := range targetPred {
		targetPred[i] = rng.Float64() * 10
	}
	exclude := noExclusions(len(targetPred))

	a, err := MatchIndex(donorPred, targetPred, 5, exclude, donorPred, 1234)
	if err != nil {
		t.Fatalf("MatchIndex error: %v", err)
	}
	b, err := MatchIndex(donorPred, targetPred, 5, exclude, donorPred, 1234)
	if err != nil {
		t.Fatalf("MatchIndex error: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("target %d: runs with the same seed differ: %d vs %d", i, a[i], b[i])
		}
	}
}

func TestMatchParallelEqualsSerial(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	donorPred := make([]float64, 500)
	donorTrue := make([]float64, 500)
	for i := range donorPred {
		donorPred[i] = rng.NormFloat64()
		donorTrue[i] = float64(rng.Intn(8))
	}
	targetPred := make([]float64, 1000)
	exclude := make([]float64, 1000)
	for i := range targetPred {
		targetPred[i] = rng.NormFloat64()
		exclude[i] = float64(rng.Intn(8))
	}

	serial := &Matcher{Sampler: NewRandSampler(8)}
	parallel := &Matcher{Sampler: NewRandSampler(8), Workers: 4}
	a, err := serial.Match(context.Background(), donorPred, targetPred, 7, exclude, donorTrue)
	if err != nil {
		t.Fatalf("serial Match error: %v", err)
	}
	b, err := parallel.Match(context.Background(), donorPred, targetPred, 7, exclude, donorTrue)
	if err != nil {
		t.Fatalf("parallel Match error: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("target %d: serial %d != parallel %d", i, a[i], b[i])
		}
	}
}

func TestMatchTieGoesRight(t *testing.T) {
	s := &scriptedSampler{}
	m, _ := NewMatcher(s)
	got, err := m.Match(context.Background(), []float64{1, 3}, []float64{2}, 1, noExclusions(1), []float64{1, 3})
	if err != nil {
		t.Fatalf("Match error: %v", err)
	}
	if got[0] != 1 {
		t.Fatalf("expected equidistant tie to resolve to the right donor 1, got %d", got[0])
	}
}

func TestMatchTiedValuesFollowShuffle(t *testing.T) {
	donors := []float64{5, 5, 5}
	for _, perm := range [][]int{{2, 0, 1}, {1, 2, 0}, {0, 1, 2}} {
		s := &scriptedSampler{perm: perm}
		m, _ := NewMatcher(s)
		got, err := m.Match(context.Background(), donors, []float64{5}, 1, noExclusions(1), donors)
		if err != nil {
			t.Fatalf("Match error: %v", err)
		}
		if got[0] != perm[0] {
			t.Fatalf("perm %v: expected first shuffled donor %d, got %d", perm, perm[0], got[0])
		}
	}
}

func TestMatchOneSidedExhaustion(t *testing.T) {
	donors := []float64{0, 1, 2}
	tests := []struct {
		name   string
		target float64
		h      int
		want   int
	}{
		{"above all, walks left", 10, 3, 0},
		{"above all, second step", 10, 2, 1},
		{"below all, walks right", -10, 2, 1},
		{"middle, right exhausted", 1.9, 3, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := &scriptedSampler{ranks: []int{tc.h}}
			m, _ := NewMatcher(s)
			got, err := m.Match(context.Background(), donors, []float64{tc.target}, 3, noExclusions(1), donors)
			if err != nil {
				t.Fatalf("Match error: %v", err)
			}
			if got[0] != tc.want {
				t.Fatalf("expected donor %d, got %d", tc.want, got[0])
			}
		})
	}
}

func TestMatchClampsK(t *testing.T) {
	donors := []float64{1, 2, 3}
	for _, tc := range []struct{ k, want int }{{-4, 1}, {0, 1}, {2, 2}, {50, 3}} {
		s := &scriptedSampler{}
		m, _ := NewMatcher(s)
		if _, err := m.Match(context.Background(), donors, []float64{2}, tc.k, noExclusions(1), donors); err != nil {
			t.Fatalf("k=%d: Match error: %v", tc.k, err)
		}
		if s.gotK != tc.want {
			t.Fatalf("k=%d: sampler saw k=%d, want %d", tc.k, s.gotK, tc.want)
		}
	}
}

func TestMatchEmptyEligiblePool(t *testing.T) {
	donorPred := []float64{1, 2, 3}
	donorTrue := []float64{7, 7, 7}
	targets := []float64{1.5, 2.5}
	exclude := []float64{NoExclusion(), 7}

	m, _ := NewMatcher(NewRandSampler(1))
	if _, err := m.Match(context.Background(), donorPred, targets, 1, exclude, donorTrue); !errors.Is(err, ErrNoEligibleDonor) {
		t.Fatalf("expected ErrNoEligibleDonor, got %v", err)
	}

	m.EmptyPool = FallbackToFullPool
	got, err := m.Match(context.Background(), donorPred, targets, 1, exclude, donorTrue)
	if err != nil {
		t.Fatalf("fallback Match error: %v", err)
	}
	if got[1] != 2 {
		t.Fatalf("expected fallback to the full pool to pick donor 2, got %d", got[1])
	}
}

func TestMatchInputErrors(t *testing.T) {
	m, _ := NewMatcher(NewRandSampler(1))
	ctx := context.Background()

	if _, err := m.Match(ctx, []float64{1, 2}, []float64{1}, 1, noExclusions(1), []float64{1}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for donor mismatch, got %v", err)
	}
	if _, err := m.Match(ctx, []float64{1}, []float64{1, 2}, 1, noExclusions(1), []float64{1}); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for target mismatch, got %v", err)
	}
	if _, err := m.Match(ctx, nil, []float64{1}, 1, noExclusions(1), nil); !errors.Is(err, ErrEmptyDonorPool) {
		t.Fatalf("expected ErrEmptyDonorPool, got %v", err)
	}
	if _, err := NewMatcher(nil); !errors.Is(err, ErrNilSampler) {
		t.Fatalf("expected ErrNilSampler, got %v", err)
	}

	got, err := m.Match(ctx, []float64{1}, nil, 3, nil, []float64{1})
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result for no targets, got %v, %v", got, err)
	}
}

func TestMatchRejectsBadSampler(t *testing.T) {
	donors := []float64{1, 2, 3}
	for name, s := range map[string]*scriptedSampler{
		"short permutation": {perm: []int{0, 1}},
		"permutation range": {perm: []int{0, 1, 3}},
		"repeated donor":    {perm: []int{0, 0, 1}},
		"rank above k":      {ranks: []int{3}},
		"rank zero":         {ranks: []int{0}},
	} {
		m, _ := NewMatcher(s)
		if _, err := m.Match(context.Background(), donors, []float64{2}, 2, noExclusions(1), donors); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestMatchCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, workers := range []int{0, 4} {
		m := &Matcher{Sampler: NewRandSampler(1), Workers: workers}
		_, err := m.Match(ctx, exampleDonors, exampleTargets, 2, noExclusions(len(exampleTargets)), exampleDonors)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("workers=%d: expected context.Canceled, got %v", workers, err)
		}
	}
}

func TestMatchMany(t *testing.T) {
	m, _ := NewMatcher(NewRandSampler(2))
	ctx := context.Background()
	if _, err := m.MatchMany(ctx, exampleDonors, exampleTargets, 3, noExclusions(len(exampleTargets)), exampleDonors, 0); !errors.Is(err, ErrInvalidDraws) {
		t.Fatalf("expected ErrInvalidDraws, got %v", err)
	}

	draws, err := m.MatchMany(ctx, exampleDonors, exampleTargets, 3, noExclusions(len(exampleTargets)), exampleDonors, 4)
	if err != nil {
		t.Fatalf("MatchMany error: %v", err)
	}
	if len(draws) != 4 {
		t.Fatalf("expected 4 draws, got %d", len(draws))
	}
	for d, idx := range draws {
		if len(idx) != len(exampleTargets) {
			t.Fatalf("draw %d: expected %d indices, got %d", d, len(exampleTargets), len(idx))
		}
	}

	again, _ := NewMatcher(NewRandSampler(2))
	replay, err := again.MatchMany(ctx, exampleDonors, exampleTargets, 3, noExclusions(len(exampleTargets)), exampleDonors, 4)
	if err != nil {
		t.Fatalf("MatchMany error: %v", err)
	}
	for d := range draws {
		for i := range draws[d] {
			if draws[d][i] != replay[d][i] {
				t.Fatalf("draw %d target %d: replay differs", d, i)
			}
		}
	}
}

func TestOneBasedAndGather(t *testing.T) {
	idx := []int{0, 3, 1}
	if got := OneBased(idx); got[0] != 1 || got[1] != 4 || got[2] != 2 {
		t.Fatalf("unexpected OneBased result %v", got)
	}
	values := []float64{10, 20, 30, 40}
	if got := Gather(values, idx); got[0] != 10 || got[1] != 40 || got[2] != 20 {
		t.Fatalf("unexpected Gather result %v", got)
	}
}

func TestRandSampler(t *testing.T) {
	s := NewRandSampler(42)
	perm := s.Permutation(10)
	sorted := append([]int(nil), perm...)
	sort.Ints(sorted)
	for i, v := range sorted {
		if v != i {
			t.Fatalf("Permutation(10) is not a permutation: %v", perm)
		}
	}
	for _, v := range s.SampleWithReplacement(4, 200) {
		if v < 1 || v > 4 {
			t.Fatalf("SampleWithReplacement draw %d out of [1,4]", v)
		}
	}
}

func TestParseEmptyPoolPolicy(t *testing.T) {
	for in, want := range map[string]EmptyPoolPolicy{"": FailOnEmptyPool, "fail": FailOnEmptyPool, "fallback": FallbackToFullPool} {
		got, err := ParseEmptyPoolPolicy(in)
		if err != nil || got != want {
			t.Fatalf("ParseEmptyPoolPolicy(%q) = %v, %v", in, got, err)
		}
		if in != "" && got.String() != in {
			t.Fatalf("String() = %q, want %q", got.String(), in)
		}
	}
	if _, err := ParseEmptyPoolPolicy("skip"); err == nil {
		t.Fatalf("expected error for unknown policy")
	}
}
