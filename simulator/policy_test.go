package simulator

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// runWorkload issues n host writes from a seeded workload and verifies the
// device every checkEvery writes
func runWorkload(t *testing.T, p Policy, dev *Device, cfg WorkloadConfig, n, checkEvery int) {
	t.Helper()
	w, err := NewWorkload(cfg, dev.LogicalPages(), rand.New(rand.NewSource(42)))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, p.WritePage(w.Next()), "write %d", i)
		if checkEvery > 0 && (i+1)%checkEvery == 0 {
			require.NoError(t, dev.CheckInvariants(), "after write %d", i)
		}
	}
	require.NoError(t, dev.CheckInvariants())
}

// sumValid adds up valid counts over every block
func sumValid(dev *Device) int {
	total := 0
	for _, b := range dev.Blocks() {
		total += b.ValidCount
	}
	return total
}

// TestParsePolicyKind verifies names and aliases
func TestParsePolicyKind(t *testing.T) {
	for _, kind := range []PolicyKind{
		PolicyGreedy, PolicyGenerational, PolicyDeathTime, PolicyTwoA,
		PolicyTT, PolicyOptimal, PolicyWearLeveling,
	} {
		parsed, err := ParsePolicyKind(kind.String())
		require.NoError(t, err)
		require.Equal(t, kind, parsed)
	}

	aliases := map[string]PolicyKind{
		"generational": PolicyGenerational,
		"deathtime":    PolicyDeathTime,
		"twoa":         PolicyTwoA,
		"opt":          PolicyOptimal,
		"wearleveling": PolicyWearLeveling,
	}
	for name, want := range aliases {
		got, err := ParsePolicyKind(name)
		require.NoError(t, err, name)
		require.Equal(t, want, got, name)
	}

	_, err := ParsePolicyKind("fifo")
	require.Error(t, err)
	require.Equal(t, "unknown(99)", PolicyKind(99).String())
}

// TestPolicyKind_JSON verifies policies encode as their names
func TestPolicyKind_JSON(t *testing.T) {
	data, err := json.Marshal(PolicyTwoA)
	require.NoError(t, err)
	require.Equal(t, `"2a"`, string(data))

	var k PolicyKind
	require.NoError(t, json.Unmarshal([]byte(`"tt"`), &k))
	require.Equal(t, PolicyTT, k)
	require.Error(t, json.Unmarshal([]byte(`"lru"`), &k))
	require.Error(t, json.Unmarshal([]byte(`3`), &k))
}

// TestSingleGreedy verifies victim choice and its failure modes
func TestSingleGreedy(t *testing.T) {
	t.Run("nothing fully written", func(t *testing.T) {
		dev := newTestDevice(t, 8, 4, 0.5, 0)
		_, err := singleGreedy(dev, nil)
		require.ErrorIs(t, err, ErrNoVictimFound)
	})

	t.Run("fewest valid wins, lowest id on ties", func(t *testing.T) {
		dev := newTestDevice(t, 8, 4, 0.5, 0)
		fillBlock(t, dev, 0, 0, 4)
		fillBlock(t, dev, 1, 4, 4)
		fillBlock(t, dev, 2, 8, 4)
		fillBlock(t, dev, 3, 0, 2) // block 0 keeps 2
		fillBlock(t, dev, 3, 8, 2) // block 2 keeps 2
		fillBlock(t, dev, 4, 4, 1) // block 1 keeps 3

		id, err := singleGreedy(dev, nil)
		require.NoError(t, err)
		require.Equal(t, BlockID(0), id)

		id, err = singleGreedy(dev, func(b BlockID) bool { return b == 0 })
		require.NoError(t, err)
		require.Equal(t, BlockID(2), id)
	})

	t.Run("all valid", func(t *testing.T) {
		dev := newTestDevice(t, 8, 4, 0.5, 0)
		fillBlock(t, dev, 0, 0, 4)
		_, err := singleGreedy(dev, nil)
		require.ErrorIs(t, err, ErrNoVictimFound)
	})
}

// TestNewPolicy verifies the factory builds every policy kind
func TestNewPolicy(t *testing.T) {
	tests := []struct {
		kind PolicyKind
		name string
	}{
		{PolicyGreedy, "greedy"},
		{PolicyGenerational, "gen"},
		{PolicyDeathTime, "dte-edt"},
		{PolicyTwoA, "2a-4"},
		{PolicyTT, "tt-4"},
		{PolicyOptimal, "optimal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := newTestDevice(t, 64, 64, 0.5, 0)
			p, err := NewPolicy(tt.kind, dev, PolicyOptions{WriteHeads: 4, Seed: 1})
			require.NoError(t, err)
			require.Equal(t, tt.name, p.Name())
		})
	}

	t.Run("wl", func(t *testing.T) {
		dev, err := NewDevice(DeviceConfig{
			CapacityBytes: 16 * 128 * testPageBytes,
			BlockBytes:    128 * testPageBytes,
			PageBytes:     testPageBytes,
			FillFactor:    0.125,
			WearLeveling:  WearLevelingConfig{Enabled: true, LUNs: 4},
		})
		require.NoError(t, err)
		p, err := NewPolicy(PolicyWearLeveling, dev, PolicyOptions{})
		require.NoError(t, err)
		require.Equal(t, "wl", p.Name())
	})

	t.Run("unknown", func(t *testing.T) {
		dev := newTestDevice(t, 64, 64, 0.5, 0)
		_, err := NewPolicy(PolicyKind(42), dev, PolicyOptions{})
		require.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("no spare space", func(t *testing.T) {
		dev := newTestDevice(t, 64, 64, 1, 0)
		for _, kind := range []PolicyKind{PolicyGreedy, PolicyGenerational, PolicyDeathTime, PolicyTwoA, PolicyOptimal} {
			_, err := NewPolicy(kind, dev, PolicyOptions{WriteHeads: 4})
			require.ErrorIs(t, err, ErrConfiguration, kind.String())
		}
	})
}

// TestFinite verifies report values are always encodable
func TestFinite(t *testing.T) {
	require.Equal(t, 0.0, finite(math.NaN()))
	require.Equal(t, 0.0, finite(math.Inf(1)))
	require.Equal(t, 0.0, finite(math.Inf(-1)))
	require.Equal(t, 1.5, finite(1.5))
	require.Equal(t, 0.0, ratio(3, 0))
	require.Equal(t, 0.5, ratio(1, 2))
}
