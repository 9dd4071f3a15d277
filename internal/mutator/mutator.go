package mutator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
)

const (
	maxConflictRetries  = 5
	maxTransientRetries = 3
	maxParallelTargets  = 8
)

type Store interface {
	Append(ctx context.Context, doc models.Document, expectedSeq uint64) (models.Revision, error)
	Latest(ctx context.Context, target models.TargetRef) (models.Revision, error)
	Get(ctx context.Context, target models.TargetRef, seq uint64) (models.Revision, error)
	Targets(ctx context.Context) ([]models.TargetRef, error)
}

// Propose returns the document that declares v instead of the image of current.
// Every other field is copied from current. ok is false when current already
// declares v and no revision is needed.
func Propose(current models.Revision, v models.ArtifactVersion) (doc models.Document, ok bool) {
	declared := current.Document.Image
	if declared.Repository == v.Repository &&
		declared.Tag == v.Tag &&
		(v.Digest == "" || declared.Digest == v.Digest) {
		return models.Document{}, false
	}
	doc = current.Document.Clone()
	doc.Image = v.ImageRef()
	return doc, true
}

// patchFunc builds the next document from the latest revision (nil when the
// target has no revisions yet). ok=false means nothing has to be written.
type patchFunc func(latest *models.Revision) (doc models.Document, ok bool, err error)

type Mutator struct {
	store   Store
	metrics metrics.Metrics
	log     zerolog.Logger
}

func New(store Store, mtrcs metrics.Metrics, logger zerolog.Logger) *Mutator {
	return &Mutator{
		store:   store,
		metrics: mtrcs,
		log:     logger.With().Str("component", "manifest-mutator").Logger(),
	}
}

// Promote declares v for a service target. Returns the committed revision and
// false if the target already declared v.
func (m *Mutator) Promote(ctx context.Context, target models.TargetRef, v models.ArtifactVersion) (models.Revision, bool, error) {
	return m.commit(ctx, target, func(latest *models.Revision) (models.Document, bool, error) {
		if latest == nil {
			return models.Document{}, false, fmt.Errorf("%w: target %s", models.ErrNotFound, target)
		}
		doc, ok := Propose(*latest, v)
		return doc, ok, nil
	})
}

// Seed imports an initial document for a target that has no revisions.
func (m *Mutator) Seed(ctx context.Context, doc models.Document) (models.Revision, bool, error) {
	if err := doc.Validate(); err != nil {
		return models.Revision{}, false, err
	}
	return m.commit(ctx, doc.Target, func(latest *models.Revision) (models.Document, bool, error) {
		if latest != nil {
			return models.Document{}, false, nil
		}
		return doc.Clone(), true, nil
	})
}

// Rollback appends a copy of revision seq as the new latest revision.
func (m *Mutator) Rollback(ctx context.Context, target models.TargetRef, seq uint64) (models.Revision, bool, error) {
	old, err := m.store.Get(ctx, target, seq)
	if err != nil {
		return models.Revision{}, false, fmt.Errorf("failed to get revision %d of %s: %w", seq, target, err)
	}
	return m.commit(ctx, target, func(latest *models.Revision) (models.Document, bool, error) {
		if latest != nil && latest.Hash == old.Hash {
			return models.Document{}, false, nil
		}
		return old.Document.Clone(), true, nil
	})
}

// Replace writes doc as the next revision unless the latest one has the same content.
func (m *Mutator) Replace(ctx context.Context, doc models.Document) (models.Revision, bool, error) {
	if err := doc.Validate(); err != nil {
		return models.Revision{}, false, err
	}
	hash := doc.Hash()
	return m.commit(ctx, doc.Target, func(latest *models.Revision) (models.Document, bool, error) {
		if latest != nil && latest.Hash == hash {
			return models.Document{}, false, nil
		}
		return doc.Clone(), true, nil
	})
}

// commit runs read-patch-append as a whole. A conflict restarts from the new
// latest revision, transient failures restart with backoff, partial writes are fatal.
func (m *Mutator) commit(ctx context.Context, target models.TargetRef, patch patchFunc) (models.Revision, bool, error) {
	var (
		result  models.Revision
		written bool
	)
	err := retry.Do(
		func() error {
			var err error
			result, written, err = m.commitAttempt(ctx, target, patch)
			if err == nil || errors.Is(err, models.ErrTransientIO) {
				return err
			}
			return retry.Unrecoverable(err)
		},
		retry.Context(ctx),
		retry.Attempts(maxTransientRetries),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			m.log.Warn().Err(err).Msgf("failed to commit revision of %s, attempt: %d", target, attempt+1)
		}),
	)
	if err != nil {
		if errors.Is(err, models.ErrPartialWrite) {
			m.metrics.Increment("mutator.partial_writes")
			m.log.Error().Err(err).Msgf("fatal: partial write for %s", target)
		}
		return models.Revision{}, false, err
	}
	if written {
		m.metrics.Increment("mutator.revisions")
		m.log.Info().Msgf("committed revision %s", result)
	}
	return result, written, nil
}

func (m *Mutator) commitAttempt(ctx context.Context, target models.TargetRef, patch patchFunc) (models.Revision, bool, error) {
	for range maxConflictRetries {
		var latestPtr *models.Revision

		latest, err := m.store.Latest(ctx, target)
		switch {
		case err == nil:
			latestPtr = &latest
		case errors.Is(err, models.ErrNotFound):
		default:
			return models.Revision{}, false, err
		}

		doc, ok, err := patch(latestPtr)
		if err != nil {
			return models.Revision{}, false, err
		}
		if !ok {
			return latest, false, nil
		}
		rev, err := m.store.Append(ctx, doc, latest.Seq)
		if errors.Is(err, models.ErrConflict) {
			m.metrics.Increment("mutator.conflicts")
			m.log.Info().Err(err).Msgf("lost revision race for %s, retry against new latest", target)
			continue
		}
		if err != nil {
			return models.Revision{}, false, err
		}
		return rev, true, nil
	}
	return models.Revision{}, false, fmt.Errorf(
		"%w: %s: max conflict retries exceeded", models.ErrConflict, target,
	)
}

// Run declares every promoted version in the service targets that follow its
// repository. Targets are mutated in parallel, the outcome is reported back on
// the promotion's result channel.
func (m *Mutator) Run(ctx context.Context, promotions <-chan models.Promotion) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case p, ok := <-promotions:
			if !ok {
				return nil
			}
			err := m.handlePromotion(ctx, p.Version)
			if p.Result != nil {
				select {
				case p.Result <- err:
				default:
					m.log.Warn().Msgf("nobody waits for result of %s promotion", p.Version)
				}
			}
		}
	}
}

func (m *Mutator) handlePromotion(ctx context.Context, v models.ArtifactVersion) error {
	targets, err := m.followers(ctx, v.Repository)
	if err != nil {
		m.log.Error().Err(err).Msgf("failed to find targets following %s, skip promotion of %s", v.Repository, v)
		return err
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(maxParallelTargets)
	for _, target := range targets {
		eg.Go(func() error {
			rev, written, err := m.Promote(egCtx, target, v)
			switch {
			case err != nil:
				m.log.Error().Err(err).Msgf("failed to promote %s into %s", v, target)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", target, err))
				mu.Unlock()
			case !written:
				m.log.Info().Msgf("%s already declares %s", target, v)
			default:
				m.log.Info().Msgf("promoted %s into %s, revision %d", v, target, rev.Seq)
			}
			return nil
		})
	}
	_ = eg.Wait()
	return errors.Join(errs...)
}

func (m *Mutator) followers(ctx context.Context, repository string) ([]models.TargetRef, error) {
	targets, err := m.store.Targets(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]models.TargetRef, 0, len(targets))
	for _, target := range targets {
		if target.Kind != models.KindService {
			continue
		}
		latest, err := m.store.Latest(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("failed to read latest revision of %s: %w", target, err)
		}
		if latest.Document.Image.Repository == repository {
			result = append(result, target)
		}
	}
	return result, nil
}
