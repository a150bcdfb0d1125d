package simulator

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTTEntry verifies the timestamp ring and interval estimate
func TestTTEntry(t *testing.T) {
	var e ttEntry
	e.add(0)
	e.add(10)
	require.Equal(t, 2, e.n)
	require.Equal(t, int64(10), e.ts[0])
	require.InDelta(t, 10.0, e.averageInterval(20), 1e-9)

	e.add(20)
	e.add(30)
	require.Equal(t, ttTimestamps, e.n, "only the newest timestamps are kept")
	require.Equal(t, [ttTimestamps]int64{30, 20, 10}, e.ts)
	require.InDelta(t, 10.0, e.averageInterval(40), 1e-9)
}

// TestNewTwoAGC_Validation verifies head count limits
func TestNewTwoAGC_Validation(t *testing.T) {
	dev := newTestDevice(t, 64, 64, 0.5, 0)
	_, err := NewTwoAGC(dev, 0, false, 1)
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewTwoAGC(dev, 32, false, 1)
	require.ErrorIs(t, err, ErrConfiguration, "32 heads need more than 32 spare blocks")

	p, err := NewTwoAGC(dev, 3, true, 1)
	require.NoError(t, err)
	require.Equal(t, "tt-3", p.Name())
	require.Len(t, p.writeHeads, 3)
	require.Len(t, p.gcHeads, 3)
	require.Equal(t, 64-6, p.free.Len())
}

// TestTwoAGC_ChooseWriteHead verifies unseen pages land in the middle group
// and percentile cut points split sampled intervals
func TestTwoAGC_ChooseWriteHead(t *testing.T) {
	dev := newTestDevice(t, 64, 64, 0.5, 0)
	p, err := NewTwoAGC(dev, 4, false, 7)
	require.NoError(t, err)

	require.Equal(t, 2, p.chooseWriteHead(0))

	// Pages 0..99 were written 10 ticks ago, the rest between 100 and 1000
	for i := range p.tt {
		if i < 100 {
			p.tt[i].add(990)
		} else {
			p.tt[i].add(int64(i % 900))
		}
	}
	p.now = 1000
	p.refreshPercentiles()
	require.Len(t, p.percentiles, 3)
	require.True(t, sort.Float64sAreSorted(p.percentiles))

	require.Equal(t, 0, p.chooseWriteHead(5), "hot page goes to the first group")
	require.Equal(t, 3, p.chooseWriteHead(900), "coldest page goes past every cut point")
}

// TestTwoAGC_Workloads runs the interval classifier under skewed writes with
// and without analytic group selection
func TestTwoAGC_Workloads(t *testing.T) {
	for _, justTT := range []bool{false, true} {
		for _, heads := range []int{2, 4} {
			dev := newTestDevice(t, 64, 64, 0.5, 0)
			p, err := NewTwoAGC(dev, heads, justTT, 11)
			require.NoError(t, err)

			t.Run(p.Name(), func(t *testing.T) {
				const writes = 30000
				runWorkload(t, p, dev, WorkloadConfig{Kind: WorkloadHotCold, HotFraction: 0.1, HotWriteShare: 0.9}, writes, 1000)

				st := p.Stats()
				require.Equal(t, uint64(writes), st.HostWrites)
				require.Greater(t, st.GCRuns, uint64(0))
				require.Equal(t, st.GCRuns, st.SmartGC+st.GreedyGC)
				require.Len(t, st.Groups, heads)
				require.Len(t, st.Percentiles, heads-1)

				var groupWrites, groupRuns uint64
				for _, g := range st.Groups {
					groupWrites += g.Writes
					groupRuns += g.GCRuns
				}
				require.Equal(t, uint64(writes), groupWrites)
				require.Equal(t, st.GCRuns, groupRuns)
				require.Greater(t, st.OptimalWA, 0.0)
				require.InDelta(t, GreedyApproxWA(0.5), st.GreedyWA, 1e-9)
				if justTT {
					require.Zero(t, st.SmartGC, "tt always reclaims greedily")
				}

				for _, h := range p.writeHeads {
					require.NotContains(t, p.gcHeads, h)
				}

				st = p.Stats()
				require.Zero(t, st.HostWrites)
				require.Equal(t, uint64(writes), st.TotalSamples, "lifetime samples survive Stats")
				t.Logf("%s: WA=%.3f smart=%d greedy=%d optimal=%.3f", p.Name(),
					float64(dev.PhysicalWrites())/writes, st.SmartGC, st.GreedyGC, st.OptimalWA)
			})
		}
	}
}

// TestTwoAGC_UpdateFillTargets verifies per-group fill targets derived from
// epoch write counts and the switch back to plain greedy selection
func TestTwoAGC_UpdateFillTargets(t *testing.T) {
	tests := []struct {
		name       string
		writes     []uint64
		targets    []float64
		justGreedy bool
	}{
		{"uniform two groups", []uint64{50, 50}, []float64{0.8, 0.8}, true},
		{"uniform three groups", []uint64{10, 10, 10}, []float64{0.8, 0.8, 0.8}, true},
		{"idle epoch", []uint64{0, 0}, []float64{0.8, 0.8}, true},
		{"within greedy margin", []uint64{51, 49}, []float64{0.8, 0.8}, true},
		// spare split 0.75/0.25, WA 2.1 against greedy 2.5
		{"skewed", []uint64{90, 10}, []float64{0.4 / 0.55, 0.4 / 0.45}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t, 64, 64, 0.8, 0)
			p, err := NewTwoAGC(dev, len(tt.writes), false, 1)
			require.NoError(t, err)
			copy(p.epochWrites, tt.writes)
			p.now = 500

			p.updateFillTargets()
			require.Len(t, p.fillTargets, len(tt.targets))
			for g, want := range tt.targets {
				require.InDelta(t, want, p.fillTargets[g], 1e-3, "group %d", g)
			}
			require.Equal(t, tt.justGreedy, p.justGreedy)
			require.Equal(t, int64(500), p.lastTargetTime)
			for _, c := range p.epochWrites {
				require.Zero(t, c, "epoch counts restart")
			}
			t.Logf("%s: targets=%v", tt.name, p.fillTargets)
		})
	}
}

// TestTwoAGC_PickGroup verifies the most underfilled group is chosen and
// groups holding too few blocks are passed over
func TestTwoAGC_PickGroup(t *testing.T) {
	tests := []struct {
		name    string
		blocks  [2]int // blocks tagged with each group
		pages   [2]int // valid pages per block
		targets []float64
		want    int
	}{
		{"most underfilled", [2]int{20, 20}, [2]int{1, 32}, []float64{0.7, 0.9}, 0},
		{"larger gap wins", [2]int{20, 20}, [2]int{48, 16}, []float64{0.8, 0.8}, 1},
		{"undersized group skipped", [2]int{10, 20}, [2]int{1, 32}, []float64{0.7, 0.9}, 1},
		{"no group below target", [2]int{20, 20}, [2]int{1, 32}, []float64{0.01, 0.4}, NoGroup},
		{"empty groups", [2]int{0, 0}, [2]int{0, 0}, []float64{0.8, 0.8}, NoGroup},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t, 64, 64, 0.8, 0)
			p, err := NewTwoAGC(dev, 2, false, 1)
			require.NoError(t, err)

			id := BlockID(10)
			lp := LogicalPage(0)
			for g := 0; g < 2; g++ {
				for b := 0; b < tt.blocks[g]; b++ {
					for i := 0; i < tt.pages[g]; i++ {
						require.NoError(t, dev.WritePageWithoutCaching(lp, id, g))
						lp++
					}
					id++
				}
			}
			p.fillTargets = tt.targets

			require.Equal(t, tt.want, p.pickGroup())
		})
	}
}
