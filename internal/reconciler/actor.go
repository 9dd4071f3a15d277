package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

type retryRequest struct {
	scheduled  bool
	generation uint64
}

type applyResult struct {
	rev      models.Revision
	err      error
	attempts uint
}

// actor drives one target object. All its fields are owned by the run goroutine.
type actor struct {
	target models.TargetRef
	m      *Manager

	committed chan struct{}
	retries   chan retryRequest
	applyDone chan applyResult

	state       models.ReconcileState
	declared    models.Revision
	hasDeclared bool
	live        models.LiveObjectState
	observed    bool
	lastErr     error

	applying  bool
	appliedAt time.Time

	// generation is bumped on every degradation, scheduled retries of older
	// generations are ignored
	generation      uint64
	degradedRetries int

	log zerolog.Logger
}

func newActor(target models.TargetRef, m *Manager) *actor {
	return &actor{
		target:    target,
		m:         m,
		committed: make(chan struct{}, 1),
		retries:   make(chan retryRequest, 1),
		applyDone: make(chan applyResult, 1),
		state:     models.StateUnknown,
		log:       m.log.With().Str("target", target.String()).Logger(),
	}
}

func (a *actor) notifyCommitted() {
	select {
	case a.committed <- struct{}{}:
	default:
	}
}

func (a *actor) requestRetry(req retryRequest) {
	select {
	case a.retries <- req:
	default:
		a.log.Warn().Msg("retry already pending, skip request")
	}
}

func (a *actor) run(ctx context.Context) {
	ticker := time.NewTicker(a.m.cfg.DriftInterval)
	defer ticker.Stop()

	a.refreshDeclared(ctx)
	a.observe(ctx)
	a.evaluate(ctx, "initial observation")
	a.publish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.committed:
			a.handleCommitted(ctx)
		case <-ticker.C:
			if !a.applying {
				a.observe(ctx)
				a.evaluate(ctx, "drift check")
			}
		case res := <-a.applyDone:
			a.handleApplyResult(ctx, res)
		case req := <-a.retries:
			a.handleRetry(ctx, req)
		}
		a.publish()
	}
}

func (a *actor) handleCommitted(ctx context.Context) {
	prevHash := a.declared.Hash
	a.refreshDeclared(ctx)
	if !a.hasDeclared || a.declared.Hash == prevHash {
		return
	}
	reason := fmt.Sprintf("revision %d committed", a.declared.Seq)
	switch a.state {
	case models.StateDegraded:
		a.degradedRetries = 0
		a.dispatch(ctx, reason)
	case models.StateReconciling:
		// an in-flight apply is compared with the new revision when it finishes
		if !a.applying {
			a.dispatch(ctx, reason)
		}
	case models.StateSynced:
		if !a.matches() {
			a.transition(models.StateOutOfSync, reason)
		}
		a.evaluate(ctx, reason)
	default:
		a.evaluate(ctx, reason)
	}
}

func (a *actor) handleRetry(ctx context.Context, req retryRequest) {
	if req.scheduled && (a.state != models.StateDegraded || req.generation != a.generation) {
		return
	}
	reason := "manual retrigger"
	if req.scheduled {
		reason = fmt.Sprintf("scheduled retry %d", a.degradedRetries)
	}
	if a.state == models.StateDegraded {
		a.refreshDeclared(ctx)
		if a.hasDeclared {
			a.dispatch(ctx, reason)
		}
		return
	}
	if a.applying {
		return
	}
	a.refreshDeclared(ctx)
	a.observe(ctx)
	a.evaluate(ctx, reason)
}

func (a *actor) handleApplyResult(ctx context.Context, res applyResult) {
	a.applying = false
	if ctx.Err() != nil {
		return
	}
	if res.err != nil {
		a.lastErr = res.err
		a.m.metrics.Increment("reconciler.apply.failed")
		a.degrade(fmt.Sprintf("apply of revision %d failed after %d attempts: %v", res.rev.Seq, res.attempts, res.err))
		return
	}
	a.lastErr = nil
	a.appliedAt = a.m.now()
	a.m.metrics.Increment("reconciler.apply.succeeded")

	if res.rev.Hash != a.declared.Hash {
		a.dispatch(ctx, fmt.Sprintf("revision %d committed during apply", a.declared.Seq))
		return
	}
	a.observe(ctx)
	a.evaluate(ctx, fmt.Sprintf("revision %d applied", res.rev.Seq))
}

// evaluate compares the declared and live state and moves the state machine.
func (a *actor) evaluate(ctx context.Context, reason string) {
	if !a.hasDeclared || a.applying {
		return
	}
	switch a.state {
	case models.StateUnknown:
		if !a.observed {
			return
		}
		if a.matches() {
			a.transition(models.StateSynced, reason)
			return
		}
		a.transition(models.StateOutOfSync, reason)
		a.dispatch(ctx, reason)
	case models.StateSynced:
		if !a.observed || a.matches() {
			return
		}
		a.transition(models.StateOutOfSync, "live state drifted: "+reason)
		a.dispatch(ctx, reason)
	case models.StateOutOfSync:
		a.dispatch(ctx, reason)
	case models.StateReconciling:
		if a.matches() {
			a.degradedRetries = 0
			a.transition(models.StateSynced, fmt.Sprintf("live state confirms revision %d", a.declared.Seq))
			return
		}
		if a.m.now().Sub(a.appliedAt) > a.m.cfg.ConfirmTimeout {
			a.degrade(fmt.Sprintf("revision %d not confirmed by live state in %s", a.declared.Seq, a.m.cfg.ConfirmTimeout))
		}
	case models.StateDegraded:
		// an abandoned apply may still land, the pending retry is then stale
		if a.matches() {
			a.degradedRetries = 0
			a.generation++
			a.lastErr = nil
			a.transition(models.StateSynced, fmt.Sprintf("live state matches revision %d: %s", a.declared.Seq, reason))
		}
	}
}

func (a *actor) matches() bool {
	return a.observed && a.hasDeclared && a.live.ReferenceHash == a.declared.Hash
}

func (a *actor) dispatch(ctx context.Context, reason string) {
	a.applying = true
	a.transition(models.StateReconciling, reason)
	go a.m.apply(ctx, a.declared, a.applyDone, a.log)
}

func (a *actor) degrade(reason string) {
	a.transition(models.StateDegraded, reason)
	a.generation++
	if a.m.cfg.DisableScheduledRetry {
		return
	}
	delay := a.m.cfg.retryDelay(a.degradedRetries)
	a.degradedRetries++
	a.m.schedule(delayedRetry{
		target:     a.target,
		generation: a.generation,
		applyAt:    a.m.now().Add(delay),
	})
}

func (a *actor) transition(to models.ReconcileState, reason string) {
	from := a.state
	if from == to {
		return
	}
	a.state = to

	tr := models.Transition{
		Target:   a.target,
		From:     from,
		To:       to,
		Reason:   reason,
		Revision: a.declared.Seq,
		At:       a.m.now(),
	}
	event := a.log.Info()
	if to == models.StateDegraded {
		event = a.log.Error().Err(a.lastErr)
	}
	event.Msgf("%s -> %s: %s", from, to, reason)
	a.m.recordTransition(tr)
}

func (a *actor) refreshDeclared(ctx context.Context) {
	rev, err := a.m.store.Latest(ctx, a.target)
	if errors.Is(err, models.ErrNotFound) {
		a.hasDeclared = false
		return
	}
	if err != nil {
		a.lastErr = err
		a.log.Warn().Err(err).Msg("failed to read latest revision")
		return
	}
	a.declared = rev
	a.hasDeclared = true
}

func (a *actor) observe(ctx context.Context) {
	observeCtx, cancel := context.WithTimeout(ctx, a.m.cfg.ObserveTimeout)
	defer cancel()

	start := a.m.now()
	live, err := a.m.live.Observe(observeCtx, a.target)
	a.m.metrics.Duration("reconciler.observe", a.m.now().Sub(start))
	switch {
	case errors.Is(err, models.ErrNotFound):
		live = models.LiveObjectState{
			Target:     a.target,
			Health:     models.HealthMissing,
			ObservedAt: a.m.now(),
		}
	case err != nil:
		a.lastErr = err
		a.m.metrics.Increment("reconciler.observe.failed")
		a.log.Warn().Err(err).Msg("failed to observe live state")
		return
	}
	if live.ObservedAt.IsZero() {
		live.ObservedAt = a.m.now()
	}
	a.live = live
	a.observed = true
}

func (a *actor) status() models.TargetStatus {
	status := models.TargetStatus{
		Target:       a.target,
		State:        a.state,
		DeclaredSeq:  a.declared.Seq,
		DeclaredHash: a.declared.Hash,
		LiveHash:     a.live.ReferenceHash,
		Health:       a.live.Health,
	}
	if status.Health == "" {
		status.Health = models.HealthUnknown
	}
	if a.lastErr != nil {
		status.LastError = a.lastErr.Error()
	}
	if a.observed {
		observedAt := a.live.ObservedAt
		status.ObservedAt = &observedAt
	}
	return status
}

func (a *actor) publish() {
	a.m.setStatus(a.status())
}
