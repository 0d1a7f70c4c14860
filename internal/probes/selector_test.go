package probes

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSelector(t *testing.T, maxConsecutive int, names ...string) *Selector {
	t.Helper()
	probes := make([]Probe, len(names))
	for i, name := range names {
		probes[i] = Probe{Name: name, Client: &fakeConnector{}}
	}
	return NewSelector(testRegistry(t, probes...), maxConsecutive, zap.NewNop())
}

func TestSelector_ExplicitProbe(t *testing.T) {
	s := testSelector(t, 0, "p1", "p2")

	// Explicit wins even when heavily loaded.
	pick, err := s.Select("p1", map[string]int{"p1": 10, "p2": 0})
	require.NoError(t, err)
	require.Equal(t, "p1", pick)
}

func TestSelector_ExplicitUnknownProbe(t *testing.T) {
	s := testSelector(t, 0, "p1")

	_, err := s.Select("p9", nil)
	require.Error(t, err)

	var unknown *UnknownProbeError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, "p9", unknown.Name)
}

func TestSelector_PicksLeastLoaded(t *testing.T) {
	s := testSelector(t, 0, "p1", "p2")

	pick, err := s.Select("", map[string]int{"p1": 2, "p2": 0})
	require.NoError(t, err)
	require.Equal(t, "p2", pick)
}

func TestSelector_TieBreaksByConfiguredOrder(t *testing.T) {
	s := testSelector(t, 0, "p2", "p1", "p3")

	pick, err := s.Select("", map[string]int{"p1": 1, "p2": 1, "p3": 1})
	require.NoError(t, err)
	require.Equal(t, "p2", pick)
}

func TestSelector_MissingCountMeansIdle(t *testing.T) {
	s := testSelector(t, 0, "p1", "p2")

	// p2 absent from the snapshot counts as zero active scans.
	pick, err := s.Select("", map[string]int{"p1": 1})
	require.NoError(t, err)
	require.Equal(t, "p2", pick)
}

func TestSelector_ConsecutiveThrottle(t *testing.T) {
	s := testSelector(t, 2, "p1", "p2")

	var picks []string
	for i := 0; i < 5; i++ {
		pick, err := s.Select("", nil)
		require.NoError(t, err)
		picks = append(picks, pick)
	}

	// With equal load the tie-break would always choose p1; after two
	// consecutive picks the throttle forces the runner-up once.
	require.Equal(t, []string{"p1", "p1", "p2", "p1", "p1"}, picks)
}

func TestSelector_ThrottleDisabled(t *testing.T) {
	s := testSelector(t, 0, "p1", "p2")

	for i := 0; i < 4; i++ {
		pick, err := s.Select("", nil)
		require.NoError(t, err)
		require.Equal(t, "p1", pick)
	}
}

func TestSelector_ThrottleIgnoredForSingleProbe(t *testing.T) {
	s := testSelector(t, 1, "only")

	for i := 0; i < 3; i++ {
		pick, err := s.Select("", nil)
		require.NoError(t, err)
		require.Equal(t, "only", pick)
	}
}
