package propagator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
)

type Store interface {
	Latest(ctx context.Context, target models.TargetRef) (models.Revision, error)
	Targets(ctx context.Context) ([]models.TargetRef, error)
	Watch(ctx context.Context) (<-chan models.Revision, error)
}

type Writer interface {
	Replace(ctx context.Context, doc models.Document) (models.Revision, bool, error)
}

// Derive projects a service document onto its scrape target.
// ok is false for documents that are not scrapeable services.
func Derive(doc models.Document) (target models.ScrapeTarget, ok bool, err error) {
	if doc.Target.Kind != models.KindService {
		return models.ScrapeTarget{}, false, nil
	}
	port, path, enabled, err := doc.ScrapeSettings()
	if err != nil || !enabled {
		return models.ScrapeTarget{}, false, err
	}
	scope := doc.Value(models.ValueScrapeScope, doc.Value(models.ValueNamespace, models.DefaultScrapeScope))
	return models.ScrapeTarget{
		Service: doc.Target.Name,
		Scope:   scope,
		Path:    path,
		Port:    port,
	}, true, nil
}

type Propagator struct {
	store   Store
	writer  Writer
	metrics metrics.Metrics
	log     zerolog.Logger
}

func New(store Store, writer Writer, mtrcs metrics.Metrics, logger zerolog.Logger) *Propagator {
	return &Propagator{
		store:   store,
		writer:  writer,
		metrics: mtrcs,
		log:     logger.With().Str("component", "scrape-propagator").Logger(),
	}
}

// Run propagates every service on start and then every committed service
// revision. Commits are read by a separate goroutine, so writes of the
// propagator never wait for its own feed to drain.
func (p *Propagator) Run(ctx context.Context) error {
	feed, err := p.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch store commits: %w", err)
	}
	targets, err := p.store.Targets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}

	var (
		mu      sync.Mutex
		pending = make(map[models.TargetRef]struct{})
		wake    = make(chan struct{}, 1)
		closed  = make(chan struct{})
	)
	go func() {
		defer close(closed)
		for rev := range feed {
			if rev.Document.Target.Kind != models.KindService {
				continue
			}
			mu.Lock()
			pending[rev.Document.Target] = struct{}{}
			mu.Unlock()
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()

	for _, target := range targets {
		if target.Kind == models.KindService {
			p.sync(ctx, target)
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-closed:
			if ctx.Err() != nil {
				return nil
			}
			return errors.New("store commit feed closed")
		case <-wake:
		}

		mu.Lock()
		batch := pending
		pending = make(map[models.TargetRef]struct{}, len(batch))
		mu.Unlock()

		for target := range batch {
			p.sync(ctx, target)
		}
	}
}

func (p *Propagator) sync(ctx context.Context, service models.TargetRef) {
	if _, _, err := p.Propagate(ctx, service); err != nil {
		p.metrics.Increment("propagator.failed")
		p.log.Error().Err(err).Msgf("failed to propagate scrape target of %s", service)
	}
}

// Propagate derives the scrape target from the latest revision of service and
// commits it when its artifact differs from the latest committed scrape document.
func (p *Propagator) Propagate(ctx context.Context, service models.TargetRef) (models.Revision, bool, error) {
	latest, err := p.store.Latest(ctx, service)
	if err != nil {
		return models.Revision{}, false, fmt.Errorf("failed to read latest revision of %s: %w", service, err)
	}
	derived, scrapeable, err := Derive(latest.Document)
	if err != nil {
		return models.Revision{}, false, err
	}

	scrapeRef := models.TargetRef{Kind: models.KindScrapeTarget, Name: service.Name}
	current, hasCurrent, err := p.currentArtifact(ctx, scrapeRef)
	if err != nil {
		return models.Revision{}, false, err
	}
	if !scrapeable {
		if !hasCurrent {
			return models.Revision{}, false, nil
		}
		derived = models.ScrapeTarget{Service: service.Name, Disabled: true}
	}
	if hasCurrent && bytes.Equal(current, derived.Artifact()) {
		return models.Revision{}, false, nil
	}

	rev, written, err := p.writer.Replace(ctx, derived.Document())
	if err != nil {
		return models.Revision{}, false, fmt.Errorf("failed to commit scrape target %s: %w", scrapeRef, err)
	}
	if written {
		p.metrics.Increment("propagator.artifacts")
		p.log.Info().Msgf("propagated scrape target of %s revision %d into %s", service, latest.Seq, rev)
	}
	return rev, written, nil
}

func (p *Propagator) currentArtifact(ctx context.Context, scrapeRef models.TargetRef) ([]byte, bool, error) {
	rev, err := p.store.Latest(ctx, scrapeRef)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read latest revision of %s: %w", scrapeRef, err)
	}
	target, err := models.ScrapeTargetFromDocument(rev.Document)
	if err != nil {
		// unreadable documents are overwritten
		p.log.Warn().Err(err).Msgf("latest revision of %s is not a scrape target", scrapeRef)
		return nil, false, nil
	}
	return target.Artifact(), true, nil
}
