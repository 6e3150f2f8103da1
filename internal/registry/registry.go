package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/config"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parser"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parsers/csv"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parsers/ofx"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parsers/qif"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parsers/spreadsheet"
	"github.com/rumor-ml/commons.systems/stmtimport/internal/parsers/text"
)

// ErrNotFound is returned when no extractor/configuration pair accepts the input.
var ErrNotFound = errors.New("no extractor accepts the input")

// Registry holds all registered extractors.
// Extractors are added at startup; there is no removal.
type Registry struct {
	mu         sync.RWMutex
	extractors []parser.Extractor
}

// Resolution is the extractor and configuration chosen for one input.
type Resolution struct {
	Extractor parser.Extractor
	Config    *config.InstitutionConfig
	Candidate domain.Candidate
}

// New creates a registry with all built-in extractors
func New() (*Registry, error) {
	r := &Registry{}
	builtins := []parser.Extractor{ofx.New(), qif.New(), spreadsheet.New(), csv.New(), text.New()}
	for _, e := range builtins {
		if err := r.Register(e); err != nil {
			return nil, fmt.Errorf("failed to register built-in extractor: %w", err)
		}
	}
	return r, nil
}

// MustNew creates a registry and panics on error.
// Use only in main() or tests where failure should be fatal.
func MustNew() *Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds an extractor. Names must be unique.
func (r *Registry) Register(e parser.Extractor) error {
	if e == nil {
		return fmt.Errorf("cannot register nil extractor")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.extractors {
		if existing.Name() == e.Name() {
			return fmt.Errorf("extractor %q already registered", e.Name())
		}
	}
	r.extractors = append(r.extractors, e)
	return nil
}

// List returns the names of all registered extractors in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.extractors))
	for i, e := range r.extractors {
		names[i] = e.Name()
	}
	return names
}

// Resolve picks an extractor and configuration for the input. Candidates are
// tried in confidence order; within a candidate, extractors in registration
// order and configurations in snapshot resolution order. The first pair whose
// CanHandle accepts the probe wins.
func (r *Registry) Resolve(candidates []domain.Candidate, probeFor func(domain.Candidate) parser.Probe, snap *config.Snapshot, scope config.Scope) (Resolution, error) {
	if snap == nil {
		return Resolution{}, fmt.Errorf("%w: no configuration snapshot", ErrNotFound)
	}

	ordered := append([]domain.Candidate(nil), candidates...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Confidence > ordered[j].Confidence })

	r.mu.RLock()
	extractors := append([]parser.Extractor(nil), r.extractors...)
	r.mu.RUnlock()

	var tried []string
	for _, cand := range ordered {
		configs := snap.Candidates(cand.Format, scope)
		if len(configs) == 0 {
			continue
		}
		probe := probeFor(cand)
		for _, e := range extractors {
			if e.Format() != cand.Format {
				continue
			}
			for _, cfg := range configs {
				if e.CanHandle(probe, cfg) {
					return Resolution{Extractor: e, Config: cfg, Candidate: cand}, nil
				}
				tried = append(tried, e.Name()+":"+cfg.Key())
			}
		}
	}

	if len(tried) == 0 {
		return Resolution{}, fmt.Errorf("%w: no configuration for formats %s", ErrNotFound, formats(ordered))
	}
	return Resolution{}, fmt.Errorf("%w: tried %s", ErrNotFound, strings.Join(tried, ", "))
}

func formats(candidates []domain.Candidate) string {
	if len(candidates) == 0 {
		return "(none detected)"
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = string(c.Format)
	}
	return strings.Join(names, ", ")
}
