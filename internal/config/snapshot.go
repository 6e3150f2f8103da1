package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/rumor-ml/commons.systems/stmtimport/internal/domain"
)

// Scope selects the configurations visible to one import.
// An empty Institution leaves institution detection to the registry.
type Scope struct {
	Tenant      string
	Institution string
}

// Snapshot is an immutable, versioned set of validated configurations.
// An import keeps the snapshot it started with until it finishes.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	digest   string
	configs  []*InstitutionConfig
	byKey    map[string]*InstitutionConfig
}

// NewSnapshot validates documents and builds a snapshot. Any invalid
// document, or two documents for the same tenant/institution/format, fails the
// whole snapshot.
func NewSnapshot(version int64, loadedAt time.Time, docs []Document) (*Snapshot, error) {
	s := &Snapshot{
		version:  version,
		loadedAt: loadedAt,
		digest:   digestDocuments(docs),
		byKey:    make(map[string]*InstitutionConfig, len(docs)),
	}

	for _, doc := range docs {
		cfg, err := Parse(doc)
		if err != nil {
			return nil, err
		}
		if prev, exists := s.byKey[cfg.Key()]; exists {
			return nil, fmt.Errorf("config %s: %w: %s already defined by %s", doc.Name, ErrInvalidConfig, cfg.Key(), prev.source)
		}
		s.byKey[cfg.Key()] = cfg
		s.configs = append(s.configs, cfg)
	}

	sort.SliceStable(s.configs, func(i, j int) bool {
		a, b := s.configs[i], s.configs[j]
		if a.Match.Priority != b.Match.Priority {
			return a.Match.Priority > b.Match.Priority
		}
		if (a.Tenant != "") != (b.Tenant != "") {
			return a.Tenant != ""
		}
		return a.Institution < b.Institution
	})

	return s, nil
}

func digestDocuments(docs []Document) string {
	sorted := append([]Document(nil), docs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := sha256.New()
	for _, doc := range sorted {
		fmt.Fprintf(h, "%s\x00%d\x00", doc.Name, len(doc.Data))
		h.Write(doc.Data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Version returns the monotonically increasing snapshot version.
func (s *Snapshot) Version() int64 { return s.version }

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Digest returns a hash of the source documents.
func (s *Snapshot) Digest() string { return s.digest }

// Len returns the number of configurations.
func (s *Snapshot) Len() int { return len(s.configs) }

// All returns every configuration in resolution order.
func (s *Snapshot) All() []*InstitutionConfig {
	return append([]*InstitutionConfig(nil), s.configs...)
}

// Lookup returns the configuration for an institution/format pair, preferring
// the tenant's own document over a shared one.
func (s *Snapshot) Lookup(tenant, institution string, format domain.Format) (*InstitutionConfig, bool) {
	if tenant != "" {
		if cfg, ok := s.byKey[tenant+"/"+institution+"/"+string(format)]; ok {
			return cfg, true
		}
	}
	cfg, ok := s.byKey[institution+"/"+string(format)]
	return cfg, ok
}

// Candidates returns the configurations of a format visible to scope, in
// resolution order (priority, then tenant-specific before shared, then
// institution id).
func (s *Snapshot) Candidates(format domain.Format, scope Scope) []*InstitutionConfig {
	var out []*InstitutionConfig
	for _, cfg := range s.configs {
		if cfg.Format != format {
			continue
		}
		if cfg.Tenant != "" && cfg.Tenant != scope.Tenant {
			continue
		}
		if scope.Institution != "" && cfg.Institution != scope.Institution {
			continue
		}
		out = append(out, cfg)
	}
	return out
}
