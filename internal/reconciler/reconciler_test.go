package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
	"github.com/Sh00ty/gitops-loop/internal/storage/inmemory"
)

type fakeLive struct {
	mu      sync.Mutex
	applied map[models.TargetRef]string
	applies map[models.TargetRef]int
	applyFn func(ctx context.Context, rev models.Revision, call int) error
}

func newFakeLive() *fakeLive {
	return &fakeLive{
		applied: make(map[models.TargetRef]string),
		applies: make(map[models.TargetRef]int),
	}
}

func (f *fakeLive) Apply(ctx context.Context, rev models.Revision) error {
	target := rev.Document.Target

	f.mu.Lock()
	f.applies[target]++
	call := f.applies[target]
	applyFn := f.applyFn
	f.mu.Unlock()

	if applyFn != nil {
		if err := applyFn(ctx, rev, call); err != nil {
			return err
		}
	}
	f.mu.Lock()
	f.applied[target] = rev.Hash
	f.mu.Unlock()
	return nil
}

func (f *fakeLive) Observe(_ context.Context, target models.TargetRef) (models.LiveObjectState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	hash, ok := f.applied[target]
	if !ok {
		return models.LiveObjectState{}, fmt.Errorf("%w: %s", models.ErrNotFound, target)
	}
	return models.LiveObjectState{
		Target:        target,
		ReferenceHash: hash,
		Health:        models.HealthHealthy,
		ObservedAt:    time.Now(),
	}, nil
}

func (f *fakeLive) setApplyFn(fn func(ctx context.Context, rev models.Revision, call int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyFn = fn
}

func (f *fakeLive) drift(target models.TargetRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[target] = ""
}

func (f *fakeLive) applyCount(target models.TargetRef) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applies[target]
}

type recorder struct {
	mu          sync.Mutex
	transitions []models.Transition
}

func (r *recorder) Notify(tr models.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
}

func (r *recorder) states(target models.TargetRef) []models.ReconcileState {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []models.ReconcileState
	for _, tr := range r.transitions {
		if tr.Target == target {
			result = append(result, tr.To)
		}
	}
	return result
}

func (r *recorder) has(target models.TargetRef, from, to models.ReconcileState, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tr := range r.transitions {
		if tr.Target == target && tr.From == from && tr.To == to && tr.Revision == seq {
			return true
		}
	}
	return false
}

func testConfig() Config {
	return Config{
		DriftInterval:         10 * time.Millisecond,
		ObserveTimeout:        50 * time.Millisecond,
		ApplyTimeout:          30 * time.Millisecond,
		ApplyAttempts:         3,
		ApplyBackoff:          time.Millisecond,
		ConfirmTimeout:        time.Second,
		StaleAfter:            time.Second,
		DisableScheduledRetry: true,
	}
}

func serviceDoc(name, tag string, replicas int) models.Document {
	return models.Document{
		Target: models.TargetRef{Kind: models.KindService, Name: name},
		Image:  models.ImageRef{Repository: "registry.local/" + name, Tag: tag},
		Values: map[string]string{
			models.ValueReplicas: fmt.Sprint(replicas),
		},
	}
}

type env struct {
	store    *inmemory.Store
	live     *fakeLive
	recorder *recorder
	manager  *Manager
}

func startManager(t *testing.T, cfg Config, docs ...models.Document) *env {
	t.Helper()

	e := &env{
		store:    inmemory.NewStore(),
		live:     newFakeLive(),
		recorder: &recorder{},
	}
	for _, doc := range docs {
		latest, err := e.store.Latest(context.Background(), doc.Target)
		if err != nil {
			latest = models.Revision{}
		}
		_, err = e.store.Append(context.Background(), doc, latest.Seq)
		require.NoError(t, err)
	}
	e.manager = NewManager(cfg, e.store, e.live, e.recorder, metrics.Noop{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.manager.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return e
}

func (e *env) waitState(t *testing.T, target models.TargetRef, state models.ReconcileState) models.TargetStatus {
	t.Helper()

	var status models.TargetStatus
	require.Eventually(t, func() bool {
		var ok bool
		status, ok = e.manager.Status(target)
		return ok && status.State == state
	}, 2*time.Second, 5*time.Millisecond, "target %s never reached %s", target, state)
	return status
}

func (e *env) commit(t *testing.T, doc models.Document) models.Revision {
	t.Helper()

	latest, err := e.store.Latest(context.Background(), doc.Target)
	require.NoError(t, err)
	rev, err := e.store.Append(context.Background(), doc, latest.Seq)
	require.NoError(t, err)
	return rev
}

func TestSyncedIffHashesMatch(t *testing.T) {
	doc := serviceDoc("api", "v1.0.0", 2)
	e := startManager(t, testConfig(), doc)

	status := e.waitState(t, doc.Target, models.StateSynced)
	assert.Equal(t, models.Synced, status.SyncStatus)
	assert.Equal(t, doc.Hash(), status.DeclaredHash)
	assert.Equal(t, status.DeclaredHash, status.LiveHash)
	assert.Equal(t, uint64(1), status.DeclaredSeq)

	assert.Equal(t, []models.ReconcileState{
		models.StateOutOfSync,
		models.StateReconciling,
		models.StateSynced,
	}, e.recorder.states(doc.Target))
}

func TestAlreadyMatchingTargetIsNotApplied(t *testing.T) {
	doc := serviceDoc("api", "v1.0.0", 2)
	e := &env{store: inmemory.NewStore(), live: newFakeLive(), recorder: &recorder{}}
	_, err := e.store.Append(context.Background(), doc, 0)
	require.NoError(t, err)
	e.live.applied[doc.Target] = doc.Hash()

	e.manager = NewManager(testConfig(), e.store, e.live, e.recorder, metrics.Noop{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.manager.Run(ctx) }()

	e.waitState(t, doc.Target, models.StateSynced)
	assert.Equal(t, 0, e.live.applyCount(doc.Target))
	assert.Equal(t, []models.ReconcileState{models.StateSynced}, e.recorder.states(doc.Target))
}

func TestImageChangeMovesSyncedTargetOutOfSync(t *testing.T) {
	e := startManager(t, testConfig(),
		serviceDoc("api", "v1.0.0", 1),
		serviceDoc("api", "v1.0.0", 2),
		serviceDoc("api", "v1.0.0", 3),
		serviceDoc("api", "v1.0.0", 4),
		serviceDoc("api", "v1.0.0", 5),
	)
	target := models.TargetRef{Kind: models.KindService, Name: "api"}
	status := e.waitState(t, target, models.StateSynced)
	require.Equal(t, uint64(5), status.DeclaredSeq)

	rev := e.commit(t, serviceDoc("api", "v1.1.0", 5))
	require.Equal(t, uint64(6), rev.Seq)

	require.Eventually(t, func() bool {
		return e.recorder.has(target, models.StateSynced, models.StateOutOfSync, 6)
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		status, _ := e.manager.Status(target)
		return status.State == models.StateSynced && status.DeclaredSeq == 6
	}, 2*time.Second, 5*time.Millisecond)
	status, _ = e.manager.Status(target)
	assert.Equal(t, rev.Hash, status.LiveHash)
}

func TestDriftIsRepaired(t *testing.T) {
	doc := serviceDoc("api", "v1.0.0", 2)
	e := startManager(t, testConfig(), doc)
	e.waitState(t, doc.Target, models.StateSynced)

	e.live.drift(doc.Target)

	require.Eventually(t, func() bool {
		return e.recorder.has(doc.Target, models.StateSynced, models.StateOutOfSync, 1)
	}, 2*time.Second, 5*time.Millisecond)
	e.waitState(t, doc.Target, models.StateSynced)
	assert.Equal(t, 2, e.live.applyCount(doc.Target))
}

func TestApplyTimeoutsDegradeUntilRetrigger(t *testing.T) {
	doc := serviceDoc("api", "v1.0.0", 2)

	e := &env{store: inmemory.NewStore(), live: newFakeLive(), recorder: &recorder{}}
	_, err := e.store.Append(context.Background(), doc, 0)
	require.NoError(t, err)
	// each attempt outlives its deadline
	e.live.setApplyFn(func(ctx context.Context, _ models.Revision, _ int) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})
	e.manager = NewManager(testConfig(), e.store, e.live, e.recorder, metrics.Noop{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.manager.Run(ctx) }()

	status := e.waitState(t, doc.Target, models.StateDegraded)
	assert.Equal(t, models.OutOfSync, status.SyncStatus)
	assert.Contains(t, status.LastError, "abandoned")
	assert.Equal(t, 3, e.live.applyCount(doc.Target))

	// degraded targets are not retried without a trigger
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, e.live.applyCount(doc.Target))
	status, _ = e.manager.Status(doc.Target)
	assert.Equal(t, models.StateDegraded, status.State)

	e.live.setApplyFn(nil)
	require.NoError(t, e.manager.Retrigger(doc.Target))

	status = e.waitState(t, doc.Target, models.StateSynced)
	assert.Empty(t, status.LastError)
	assert.True(t, e.recorder.has(doc.Target, models.StateDegraded, models.StateReconciling, 1))
	assert.True(t, e.recorder.has(doc.Target, models.StateReconciling, models.StateSynced, 1))
}

func TestDegradedTargetIsSyncedWhenAbandonedApplyLands(t *testing.T) {
	cfg := testConfig()
	cfg.DisableScheduledRetry = false
	cfg.RetryBaseDelay = 50 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond

	doc := serviceDoc("api", "v1.0.0", 2)
	e := &env{store: inmemory.NewStore(), live: newFakeLive(), recorder: &recorder{}}
	_, err := e.store.Append(context.Background(), doc, 0)
	require.NoError(t, err)
	// every attempt outlives its deadline but still reaches the live system
	e.live.setApplyFn(func(_ context.Context, _ models.Revision, _ int) error {
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	e.manager = NewManager(cfg, e.store, e.live, e.recorder, metrics.Noop{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.manager.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.recorder.has(doc.Target, models.StateReconciling, models.StateDegraded, 1)
	}, 2*time.Second, 5*time.Millisecond)

	status := e.waitState(t, doc.Target, models.StateSynced)
	assert.Equal(t, models.Synced, status.SyncStatus)
	assert.Equal(t, status.DeclaredHash, status.LiveHash)
	assert.Empty(t, status.LastError)
	assert.True(t, e.recorder.has(doc.Target, models.StateDegraded, models.StateSynced, 1))

	// the retry scheduled on degradation is stale now
	applies := e.live.applyCount(doc.Target)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, applies, e.live.applyCount(doc.Target))
	status, _ = e.manager.Status(doc.Target)
	assert.Equal(t, models.StateSynced, status.State)
}

func TestScheduledRetryRecoversDegradedTarget(t *testing.T) {
	cfg := testConfig()
	cfg.DisableScheduledRetry = false
	cfg.RetryBaseDelay = 20 * time.Millisecond
	cfg.RetryMaxDelay = 100 * time.Millisecond

	doc := serviceDoc("api", "v1.0.0", 2)
	e := &env{store: inmemory.NewStore(), live: newFakeLive(), recorder: &recorder{}}
	_, err := e.store.Append(context.Background(), doc, 0)
	require.NoError(t, err)
	e.live.setApplyFn(func(_ context.Context, _ models.Revision, call int) error {
		if call == 1 {
			return fmt.Errorf("%w: admission webhook denied", models.ErrApplyFailure)
		}
		return nil
	})
	e.manager = NewManager(cfg, e.store, e.live, e.recorder, metrics.Noop{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.manager.Run(ctx) }()

	e.waitState(t, doc.Target, models.StateSynced)
	assert.True(t, e.recorder.has(doc.Target, models.StateReconciling, models.StateDegraded, 1))
	assert.True(t, e.recorder.has(doc.Target, models.StateDegraded, models.StateReconciling, 1))
	assert.Equal(t, 2, e.live.applyCount(doc.Target))
}

func TestTargetsReconcileIndependently(t *testing.T) {
	broken := serviceDoc("broken", "v1.0.0", 1)
	healthy := serviceDoc("healthy", "v1.0.0", 1)

	e := &env{store: inmemory.NewStore(), live: newFakeLive(), recorder: &recorder{}}
	for _, doc := range []models.Document{broken, healthy} {
		_, err := e.store.Append(context.Background(), doc, 0)
		require.NoError(t, err)
	}
	e.live.setApplyFn(func(ctx context.Context, rev models.Revision, _ int) error {
		if rev.Document.Target == broken.Target {
			return fmt.Errorf("%w: invalid deployment", models.ErrApplyFailure)
		}
		return nil
	})
	e.manager = NewManager(testConfig(), e.store, e.live, e.recorder, metrics.Noop{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.manager.Run(ctx) }()

	e.waitState(t, broken.Target, models.StateDegraded)
	e.waitState(t, healthy.Target, models.StateSynced)
	// rejections are not retried
	assert.Equal(t, 1, e.live.applyCount(broken.Target))

	statuses := e.manager.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "broken", statuses[0].Target.Name)
	assert.Equal(t, "healthy", statuses[1].Target.Name)
}

func TestTargetsCommittedLaterAreReconciled(t *testing.T) {
	e := startManager(t, testConfig())

	doc := serviceDoc("late", "v2.0.0", 1)
	_, err := e.store.Append(context.Background(), doc, 0)
	require.NoError(t, err)

	e.waitState(t, doc.Target, models.StateSynced)
}

func TestRetriggerUnknownTarget(t *testing.T) {
	m := NewManager(testConfig(), inmemory.NewStore(), newFakeLive(), nil, metrics.Noop{}, zerolog.Nop())
	err := m.Retrigger(models.TargetRef{Kind: models.KindService, Name: "ghost"})
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestStaleObservationIsUnknown(t *testing.T) {
	m := NewManager(testConfig(), inmemory.NewStore(), newFakeLive(), nil, metrics.Noop{}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	target := models.TargetRef{Kind: models.KindService, Name: "api"}
	observedAt := now.Add(-time.Minute)
	m.setStatus(models.TargetStatus{Target: target, State: models.StateSynced, ObservedAt: &observedAt})

	status, ok := m.Status(target)
	require.True(t, ok)
	assert.Equal(t, models.Unknown, status.SyncStatus)

	observedAt = now.Add(-100 * time.Millisecond)
	m.setStatus(models.TargetStatus{Target: target, State: models.StateSynced, ObservedAt: &observedAt})
	status, _ = m.Status(target)
	assert.Equal(t, models.Synced, status.SyncStatus)
}

func TestRetryDelayGrowsExponentially(t *testing.T) {
	cfg := Config{RetryBaseDelay: time.Second, RetryMaxDelay: 10 * time.Second}.withDefaults()

	var got []time.Duration
	for i := range 6 {
		got = append(got, cfg.retryDelay(i))
	}
	assert.Equal(t, []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, got)
}
