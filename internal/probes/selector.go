package probes

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrNoProbeAvailable means the fleet is empty. With static configuration
// this can only happen through a broken setup, but the selector still
// refuses rather than inventing a name.
var ErrNoProbeAvailable = errors.New("probes: no probe available")

// UnknownProbeError reports an explicit probe request that names a probe
// outside the configured fleet.
type UnknownProbeError struct {
	Name string
}

func (e *UnknownProbeError) Error() string {
	return fmt.Sprintf("probes: unknown probe %q", e.Name)
}

// Selector assigns a probe to each new scan.
//
// An explicit probe name always wins (or fails fast when unknown). Otherwise
// the probe with the fewest active scans is chosen, ties broken by
// configured order. When maxConsecutive > 0, the selector additionally
// refuses to return the same automatic pick more than maxConsecutive times
// in a row and falls back to the best of the remaining probes; zero or
// negative disables the throttle.
type Selector struct {
	registry       *Registry
	maxConsecutive int
	logger         *zap.Logger

	mu        sync.Mutex
	lastPick  string
	runLength int
}

// NewSelector builds a selector over the registry's fleet.
func NewSelector(registry *Registry, maxConsecutiveSameProbe int, logger *zap.Logger) *Selector {
	return &Selector{
		registry:       registry,
		maxConsecutive: maxConsecutiveSameProbe,
		logger:         logger.Named("selector"),
	}
}

// Select returns the probe name for a new scan. activeCounts is a snapshot
// of the store's per-probe active scan counts; probes without active scans
// may be absent from the map. Two racing submissions may both observe the
// same snapshot and pick the same probe, which is acceptable.
func (s *Selector) Select(explicit string, activeCounts map[string]int) (string, error) {
	names := s.registry.Names()
	if len(names) == 0 {
		return "", ErrNoProbeAvailable
	}

	if explicit != "" {
		if _, ok := s.registry.Client(explicit); !ok {
			return "", &UnknownProbeError{Name: explicit}
		}
		s.record(explicit)
		return explicit, nil
	}

	pick := minLoaded(names, activeCounts, "")

	s.mu.Lock()
	throttled := s.maxConsecutive > 0 && len(names) > 1 &&
		pick == s.lastPick && s.runLength >= s.maxConsecutive
	s.mu.Unlock()

	if throttled {
		alt := minLoaded(names, activeCounts, pick)
		s.logger.Debug("probe pick throttled",
			zap.String("throttled", pick),
			zap.String("fallback", alt),
			zap.Int("max_consecutive", s.maxConsecutive))
		pick = alt
	}

	s.record(pick)
	return pick, nil
}

// minLoaded returns the least loaded probe in configured order, skipping
// excluded.
func minLoaded(names []string, activeCounts map[string]int, excluded string) string {
	pick := ""
	best := 0
	for _, name := range names {
		if name == excluded {
			continue
		}
		if pick == "" || activeCounts[name] < best {
			pick = name
			best = activeCounts[name]
		}
	}
	return pick
}

func (s *Selector) record(pick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pick == s.lastPick {
		s.runLength++
		return
	}
	s.lastPick = pick
	s.runLength = 1
}
