package watcher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	retry "github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
)

type RegistryIndex interface {
	ListTags(ctx context.Context, repository string) ([]models.TagDigest, error)
}

type History interface {
	Record(ctx context.Context, observations []models.ArtifactVersion) error
	MarkPromoted(ctx context.Context, v models.ArtifactVersion) error
}

// DegradedReporter is told when the watcher starts or stops failing to reach the registry.
type DegradedReporter interface {
	SetDegraded(degraded bool)
}

type Config struct {
	Interval time.Duration
	// PollAttempts bounds the retries of one poll cycle.
	PollAttempts   uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DegradedAfter is the number of consecutive failed cycles before the
	// watcher reports itself degraded.
	DegradedAfter   int
	AllowPrerelease bool
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.PollAttempts == 0 {
		c.PollAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 5
	}
	return c
}

type candidate struct {
	version models.ArtifactVersion
	semver  *semver.Version
}

type repoState struct {
	mu         sync.Mutex
	repository string
	known      map[string]string
	// promoted is the highest version committed to the store.
	promoted    *semver.Version
	promotedTag string
	// pending was offered to the mutator and is not committed yet. It is
	// offered again with every poll until it is committed or superseded.
	pending             *candidate
	consecutiveFailures int
	degraded            bool
}

// raise moves the promoted version up to ver and forgets a pending version
// that is no longer above it.
func (s *repoState) raise(ver *semver.Version, tag string) {
	if s.promoted == nil || ver.GreaterThan(s.promoted) {
		s.promoted = ver
		s.promotedTag = tag
	}
	if s.pending != nil && !s.pending.semver.GreaterThan(s.promoted) {
		s.pending = nil
	}
}

type Watcher struct {
	cfg        Config
	index      RegistryIndex
	history    History
	reporter   DegradedReporter
	metrics    metrics.Metrics
	promotions chan<- models.Promotion

	mu            sync.Mutex
	repos         map[string]*repoState
	pending       []*repoState
	wake          chan struct{}
	degradedCount int

	now func() time.Time
	log zerolog.Logger
}

func New(
	cfg Config,
	index RegistryIndex,
	history History,
	reporter DegradedReporter,
	mtrcs metrics.Metrics,
	promotions chan<- models.Promotion,
	logger zerolog.Logger,
) *Watcher {
	return &Watcher{
		cfg:        cfg.withDefaults(),
		index:      index,
		history:    history,
		reporter:   reporter,
		metrics:    mtrcs,
		promotions: promotions,
		repos:      make(map[string]*repoState),
		wake:       make(chan struct{}, 1),
		now:        time.Now,
		log:        logger.With().Str("component", "registry-watcher").Logger(),
	}
}

// Track starts following repository. declaredTag is the tag the store currently
// declares, the watcher never promotes anything below it.
func (w *Watcher) Track(repository, declaredTag string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	state, exists := w.repos[repository]
	if !exists {
		state = &repoState{
			repository: repository,
			known:      make(map[string]string),
		}
		w.repos[repository] = state
		w.pending = append(w.pending, state)
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	state.mu.Lock()
	defer state.mu.Unlock()

	ver, err := models.ParseTag(declaredTag)
	if err != nil {
		return
	}
	state.raise(ver, declaredTag)
}

func (w *Watcher) Degraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.degradedCount > 0
}

// Promoted returns the highest version of repository committed so far.
func (w *Watcher) Promoted(repository string) (string, bool) {
	w.mu.Lock()
	state, exists := w.repos[repository]
	w.mu.Unlock()
	if !exists {
		return "", false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.promotedTag, state.promoted != nil
}

func (w *Watcher) Run(ctx context.Context) error {
	wg := sync.WaitGroup{}
	defer wg.Wait()

	for {
		w.mu.Lock()
		pending := w.pending
		w.pending = nil
		w.mu.Unlock()

		for _, state := range pending {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.runRepository(ctx, state)
			}()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		}
	}
}

func (w *Watcher) runRepository(ctx context.Context, state *repoState) {
	var (
		logger  = w.log.With().Str("repository", state.repository).Logger()
		limiter = rate.NewLimiter(rate.Every(w.cfg.Interval), 1)
	)
	logger.Info().Msgf("start polling every %s", w.cfg.Interval)

	for {
		err := limiter.Wait(ctx)
		if err != nil {
			return
		}
		pollID, _ := uuid.GenerateUUID()

		started := w.now()
		promotable, err := w.pollWithRetry(ctx, state, logger)
		w.metrics.Duration("watcher.poll", time.Since(started))
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.pollFailed(state, err, logger.With().Str("poll_id", pollID).Logger())
			continue
		}
		w.pollSucceeded(state, logger)
		if len(promotable) == 0 {
			logger.Debug().Str("poll_id", pollID).Msg("no new versions")
			continue
		}
		w.promote(ctx, state, promotable[len(promotable)-1], logger)
	}
}

func (w *Watcher) pollWithRetry(ctx context.Context, state *repoState, logger zerolog.Logger) ([]models.ArtifactVersion, error) {
	var promotable []models.ArtifactVersion

	err := retry.Do(
		func() error {
			var err error
			promotable, err = w.poll(ctx, state)
			if errors.Is(err, models.ErrValidation) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(w.cfg.PollAttempts),
		retry.Delay(w.cfg.InitialBackoff),
		retry.MaxDelay(w.cfg.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			logger.Warn().Err(err).Msgf("registry poll failed, attempt: %d", attempt+1)
		}),
	)
	return promotable, err
}

func (w *Watcher) pollFailed(state *repoState, err error, logger zerolog.Logger) {
	w.metrics.Increment("watcher.poll.failed")

	state.mu.Lock()
	state.consecutiveFailures++
	failures := state.consecutiveFailures
	becameDegraded := !state.degraded && failures >= w.cfg.DegradedAfter
	if becameDegraded {
		state.degraded = true
	}
	state.mu.Unlock()

	logger.Error().Err(err).Msgf("registry poll cycle failed, consecutive failures: %d", failures)
	if becameDegraded {
		logger.Error().Msgf("watcher degraded after %d failed polls, keep retrying", failures)
		w.changeDegraded(1)
	}
}

func (w *Watcher) pollSucceeded(state *repoState, logger zerolog.Logger) {
	state.mu.Lock()
	recovered := state.degraded
	state.degraded = false
	state.consecutiveFailures = 0
	state.mu.Unlock()

	if recovered {
		logger.Warn().Msg("registry reachable again, watcher recovered")
		w.changeDegraded(-1)
	}
}

func (w *Watcher) changeDegraded(delta int) {
	w.mu.Lock()
	before := w.degradedCount > 0
	w.degradedCount += delta
	count := w.degradedCount
	w.mu.Unlock()

	after := count > 0
	w.metrics.Gauge("watcher.degraded_repositories", count)
	if before != after && w.reporter != nil {
		w.reporter.SetDegraded(after)
	}
}

func (w *Watcher) promote(ctx context.Context, state *repoState, v models.ArtifactVersion, logger zerolog.Logger) {
	logger.Info().Msgf("promote %s", v)

	result := make(chan error, 1)
	select {
	case w.promotions <- models.Promotion{Version: v, Result: result}:
	case <-ctx.Done():
		return
	}
	select {
	case err := <-result:
		if err != nil {
			w.metrics.Increment("watcher.promotions.failed")
			logger.Error().Err(err).Msgf("%s is not committed, offer it again with the next poll", v)
			return
		}
	case <-ctx.Done():
		return
	}
	ver, err := models.ParseTag(v.Tag)
	if err != nil {
		return
	}
	state.mu.Lock()
	state.raise(ver, v.Tag)
	state.mu.Unlock()

	w.metrics.Increment("watcher.promotions")
	if err := w.history.MarkPromoted(ctx, v); err != nil {
		logger.Error().Err(err).Msgf("failed to mark %s promoted in history", v)
	}
}

// Poll lists the repository once and returns the versions that are new since
// the previous poll, parse as semver and are greater than the promoted
// version, in ascending order. A version offered before and not committed yet
// is returned again. The last one becomes the pending version.
func (w *Watcher) Poll(ctx context.Context, repository string) ([]models.ArtifactVersion, error) {
	w.mu.Lock()
	state, exists := w.repos[repository]
	w.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("%w: repository %s is not tracked", models.ErrNotFound, repository)
	}
	return w.poll(ctx, state)
}

func (w *Watcher) poll(ctx context.Context, state *repoState) ([]models.ArtifactVersion, error) {
	listing, err := w.index.ListTags(ctx, state.repository)
	if err != nil {
		return nil, err
	}

	var (
		now          = w.now()
		observations = make([]models.ArtifactVersion, 0, len(listing))
		fresh        = make([]models.ArtifactVersion, 0, len(listing))
	)
	state.mu.Lock()
	for _, td := range listing {
		obs := models.ArtifactVersion{
			Repository:   state.repository,
			Tag:          td.Tag,
			Digest:       td.Digest,
			DiscoveredAt: now,
		}
		digest, known := state.known[td.Tag]
		if !known {
			observations = append(observations, obs)
			fresh = append(fresh, obs)
			continue
		}
		if digest != td.Digest && td.Digest != "" {
			if digest != "" {
				w.log.Warn().Msgf("tag %s:%s moved from %s to %s", state.repository, td.Tag, digest, td.Digest)
			}
			observations = append(observations, obs)
		}
	}
	state.mu.Unlock()

	// history first: an observation that can't be recorded is retried with the next poll
	if err := w.history.Record(ctx, observations); err != nil {
		return nil, fmt.Errorf("failed to record observations: %w", err)
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	candidates := make([]candidate, 0, len(fresh)+1)
	for _, obs := range fresh {
		if _, known := state.known[obs.Tag]; known {
			// picked up by a concurrent poll
			continue
		}
		ver, err := models.ParseTag(obs.Tag)
		if err != nil {
			continue
		}
		if ver.Prerelease() != "" && !w.cfg.AllowPrerelease {
			continue
		}
		if state.promoted != nil && !ver.GreaterThan(state.promoted) {
			continue
		}
		candidates = append(candidates, candidate{version: obs, semver: ver})
	}
	for _, obs := range observations {
		state.known[obs.Tag] = obs.Digest
	}
	if state.pending != nil {
		candidates = append(candidates, *state.pending)
	}

	slices.SortFunc(candidates, func(a, b candidate) int {
		return a.semver.Compare(b.semver)
	})
	result := make([]models.ArtifactVersion, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, c.version)
	}
	if len(candidates) > 0 {
		top := candidates[len(candidates)-1]
		state.pending = &top
	}
	return result, nil
}
