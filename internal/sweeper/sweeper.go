// Package sweeper runs periodic maintenance: probing external APIs so
// open circuit breakers close again once the dependency recovers, and
// removing work directories left behind by deleted documents.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/docuglot/docuglot/internal/observability"
	"github.com/docuglot/docuglot/internal/resilience"
	"github.com/docuglot/docuglot/internal/storage"
)

// Probe checks one external dependency, returning nil when healthy.
type Probe func(ctx context.Context) error

// DocumentLister enumerates known documents for the orphan sweep.
type DocumentLister interface {
	List(ctx context.Context) ([]*storage.Document, error)
}

// Config holds sweeper timing.
type Config struct {
	// HealthInterval between dependency probes; default 30s.
	HealthInterval time.Duration
	// OrphanInterval between work-directory sweeps; default 1h.
	OrphanInterval time.Duration
	// WorkDir is the ingest working directory to sweep.
	WorkDir string
}

// Sweeper supervises the two maintenance loops.
type Sweeper struct {
	breaker   *resilience.Breaker
	probes    map[string]Probe // breaker resource name -> probe
	documents DocumentLister
	logger    *observability.Logger
	cfg       Config
}

// New creates a sweeper.
func New(breaker *resilience.Breaker, probes map[string]Probe, documents DocumentLister,
	logger *observability.Logger, cfg Config) *Sweeper {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	if cfg.OrphanInterval <= 0 {
		cfg.OrphanInterval = time.Hour
	}
	return &Sweeper{
		breaker:   breaker,
		probes:    probes,
		documents: documents,
		logger:    logger.WithComponent("sweeper"),
		cfg:       cfg,
	}
}

// Run drives both loops until ctx ends. Intended as a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()
	orphans := time.NewTicker(s.cfg.OrphanInterval)
	defer orphans.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			s.probeOpenBreakers(ctx)
		case <-orphans.C:
			s.sweepOrphans(ctx)
		}
	}
}

// probeOpenBreakers checks each open breaker's dependency and resets the
// breaker when the probe succeeds. Closed breakers are left alone.
func (s *Sweeper) probeOpenBreakers(ctx context.Context) {
	for name, probe := range s.probes {
		if s.breaker.Status(name) != resilience.StateOpen {
			continue
		}
		if err := probe(ctx); err != nil {
			s.logger.Debug().Err(err).Str("resource", name).Msg("dependency still unhealthy")
			continue
		}
		s.breaker.Reset(name)
		s.logger.Info().Str("resource", name).Msg("dependency recovered, breaker reset")
	}
}

// sweepOrphans deletes work directories whose document no longer exists.
func (s *Sweeper) sweepOrphans(ctx context.Context) {
	if s.cfg.WorkDir == "" || s.documents == nil {
		return
	}

	docs, err := s.documents.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("orphan sweep: listing documents failed")
		return
	}
	known := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		known[doc.ID.String()] = struct{}{}
	}

	entries, err := os.ReadDir(s.cfg.WorkDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Error().Err(err).Msg("orphan sweep: reading work dir failed")
		}
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Only directories named by a document ID are candidates.
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		if _, ok := known[entry.Name()]; ok {
			continue
		}
		path := filepath.Join(s.cfg.WorkDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("orphan sweep: removal failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("swept orphaned work directories")
	}
}
