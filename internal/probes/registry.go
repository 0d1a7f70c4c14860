// Package probes holds the configured probe fleet and picks a probe for each
// new scan.
//
// A probe is a named GMP endpoint: one gvmd instance reachable over TLS with
// its own credentials. The fleet is loaded once at startup and never mutated
// at runtime; per-probe load is always derived from the store's active scan
// counts, never cached here, so it survives restarts and cannot drift.
package probes

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/gvm"
)

// Connected is the Health value reported for a reachable probe. Any other
// value is an error description prefixed with "error: ".
const Connected = "connected"

// Probe pairs a configured probe name with its GMP client.
type Probe struct {
	Name   string
	Client gvm.Connector
}

// Registry is the static probe fleet. Safe for concurrent use; all state is
// read-only after construction.
type Registry struct {
	order  []string
	byName map[string]gvm.Connector
	logger *zap.Logger
}

// NewRegistry builds the fleet from the configured probes, preserving their
// order for stable tie-breaking in the selector. Names must be unique and
// non-empty.
func NewRegistry(probes []Probe, logger *zap.Logger) (*Registry, error) {
	if len(probes) == 0 {
		return nil, fmt.Errorf("probes: at least one probe must be configured")
	}

	r := &Registry{
		order:  make([]string, 0, len(probes)),
		byName: make(map[string]gvm.Connector, len(probes)),
		logger: logger.Named("probes"),
	}
	for _, p := range probes {
		if p.Name == "" {
			return nil, fmt.Errorf("probes: probe with empty name")
		}
		if _, exists := r.byName[p.Name]; exists {
			return nil, fmt.Errorf("probes: duplicate probe %q", p.Name)
		}
		if p.Client == nil {
			return nil, fmt.Errorf("probes: probe %q has no client", p.Name)
		}
		r.order = append(r.order, p.Name)
		r.byName[p.Name] = p.Client
	}

	r.logger.Info("probe fleet loaded", zap.Strings("probes", r.order))
	return r, nil
}

// Names returns the probe names in configured order. The slice is a copy.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Client returns the GMP client for a probe name.
func (r *Registry) Client(name string) (gvm.Connector, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Health probes every configured endpoint in parallel with the cheapest GMP
// round trip (connect, authenticate, get_scanners) and reports per-probe
// status. A probe that answers is Connected; anything else carries the error
// text.
func (r *Registry) Health(ctx context.Context) map[string]string {
	results := make(map[string]string, len(r.order))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, name := range r.order {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()

			status := Connected
			if err := r.check(ctx, name); err != nil {
				status = "error: " + err.Error()
				r.logger.Warn("probe health check failed",
					zap.String("probe", name),
					zap.Error(err))
			}

			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name)
	}

	wg.Wait()
	return results
}

func (r *Registry) check(ctx context.Context, name string) error {
	sess, err := r.byName[name].Connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	_, err = sess.GetScanners(ctx)
	return err
}

// Degraded reports whether any probe in a Health result is unreachable.
func Degraded(results map[string]string) bool {
	for _, status := range results {
		if status != Connected {
			return true
		}
	}
	return false
}
