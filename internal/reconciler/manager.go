package reconciler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
)

// Manager owns one actor per target object. Actors are created from the store's
// target list and commit feed and live until the manager's context is done.
type Manager struct {
	cfg      Config
	store    Store
	live     LiveSystem
	notifier Notifier
	metrics  metrics.Metrics

	mu     sync.RWMutex
	actors map[models.TargetRef]*actor

	statusMu sync.RWMutex
	statuses map[models.TargetRef]models.TargetStatus

	scheduleCh     chan delayedRetry
	delayTimer     *time.Timer
	delayedRetries *list.List
	resyncTicker   *time.Ticker

	wg  sync.WaitGroup
	now func() time.Time
	log zerolog.Logger
}

func NewManager(
	cfg Config,
	store Store,
	live LiveSystem,
	notifier Notifier,
	mtrcs metrics.Metrics,
	logger zerolog.Logger,
) *Manager {
	cfg = cfg.withDefaults()
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Manager{
		cfg:            cfg,
		store:          store,
		live:           live,
		notifier:       notifier,
		metrics:        mtrcs,
		actors:         make(map[models.TargetRef]*actor),
		statuses:       make(map[models.TargetRef]models.TargetStatus),
		scheduleCh:     make(chan delayedRetry, 1024),
		delayTimer:     time.NewTimer(time.Minute),
		delayedRetries: list.New(),
		resyncTicker:   time.NewTicker(cfg.ResyncInterval),
		now:            time.Now,
		log:            logger.With().Str("component", "reconciler").Logger(),
	}
}

func (m *Manager) Run(ctx context.Context) error {
	defer m.wg.Wait()
	defer m.resyncTicker.Stop()

	feed, err := m.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch store commits: %w", err)
	}
	if err = m.resync(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rev, ok := <-feed:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("store commit feed closed")
			}
			m.spawn(ctx, rev.Document.Target).notifyCommitted()
		case retry := <-m.scheduleCh:
			m.delayRetry(retry)
		case <-m.delayTimer.C:
			if m.delayedRetries.Len() == 0 {
				continue
			}
			m.handleDelayedRetry()
		case <-m.resyncTicker.C:
			if err := m.resync(ctx); err != nil {
				m.log.Error().Err(err).Msg("failed to resync targets")
			}
		}
	}
}

func (m *Manager) resync(ctx context.Context) error {
	targets, err := m.store.Targets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	for _, target := range targets {
		m.spawn(ctx, target).notifyCommitted()
	}
	return nil
}

func (m *Manager) spawn(ctx context.Context, target models.TargetRef) *actor {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.actors[target]; ok {
		return a
	}
	a := newActor(target, m)
	m.actors[target] = a
	m.setStatus(a.status())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		a.run(ctx)
	}()
	m.log.Info().Msgf("started reconciling %s", target)
	return a
}

func (m *Manager) actor(target models.TargetRef) *actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.actors[target]
}

// Retrigger asks the target's actor to retry now. A degraded target is
// reapplied, any other target is observed and compared again.
func (m *Manager) Retrigger(target models.TargetRef) error {
	a := m.actor(target)
	if a == nil {
		return fmt.Errorf("%w: no reconciled target %s", models.ErrNotFound, target)
	}
	a.requestRetry(retryRequest{})
	return nil
}

func (m *Manager) schedule(retry delayedRetry) {
	select {
	case m.scheduleCh <- retry:
	default:
		m.log.Error().Msgf("retry schedule queue is full, drop retry %v", retry)
	}
}

func (m *Manager) setStatus(status models.TargetStatus) {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	m.statuses[status.Target] = status
}

// Status is the cached display status of a target.
func (m *Manager) Status(target models.TargetRef) (models.TargetStatus, bool) {
	m.statusMu.RLock()
	status, ok := m.statuses[target]
	m.statusMu.RUnlock()
	if !ok {
		return models.TargetStatus{}, false
	}
	return m.derive(status), true
}

func (m *Manager) Statuses() []models.TargetStatus {
	m.statusMu.RLock()
	result := make([]models.TargetStatus, 0, len(m.statuses))
	for _, status := range m.statuses {
		result = append(result, m.derive(status))
	}
	m.statusMu.RUnlock()

	slices.SortFunc(result, func(a, b models.TargetStatus) int {
		return models.CompareTargets(a.Target, b.Target)
	})
	return result
}

func (m *Manager) derive(status models.TargetStatus) models.TargetStatus {
	status.SyncStatus = status.State.SyncStatus()
	if status.ObservedAt == nil || m.now().Sub(*status.ObservedAt) > m.cfg.StaleAfter {
		status.SyncStatus = models.Unknown
	}
	return status
}

func (m *Manager) recordTransition(tr models.Transition) {
	m.metrics.Increment("reconciler.transitions." + string(tr.To))
	m.notifier.Notify(tr)
}
