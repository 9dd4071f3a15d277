package reconciler

import (
	"context"
	"errors"
	"fmt"

	retry "github.com/avast/retry-go/v4"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/rs/zerolog"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

// apply runs bounded apply attempts of rev and reports the result on done.
// An attempt that outlives ApplyTimeout is abandoned and counted as failed.
func (m *Manager) apply(ctx context.Context, rev models.Revision, done chan<- applyResult, log zerolog.Logger) {
	applyID, err := uuid.GenerateUUID()
	if err != nil {
		log.Warn().Err(err).Msg("failed to generate apply id")
	}
	log = log.With().Str("apply_id", applyID).Uint64("revision", rev.Seq).Logger()

	var attempts uint
	err = retry.Do(
		func() error {
			attempts++
			err := m.applyAttempt(ctx, rev)
			if errors.Is(err, models.ErrApplyFailure) {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(m.cfg.ApplyAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(m.cfg.ApplyBackoff),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			log.Warn().Err(err).Msgf("apply attempt %d failed", attempt+1)
		}),
	)
	if err == nil {
		log.Info().Msgf("applied %s", rev)
	}
	done <- applyResult{rev: rev, err: err, attempts: attempts}
}

func (m *Manager) applyAttempt(ctx context.Context, rev models.Revision) error {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ApplyTimeout)
	defer cancel()

	start := m.now()
	resCh := make(chan error, 1)
	go func() {
		resCh <- m.live.Apply(attemptCtx, rev)
	}()
	select {
	case err := <-resCh:
		m.metrics.Duration("reconciler.apply", m.now().Sub(start))
		return err
	case <-attemptCtx.Done():
		m.metrics.Increment("reconciler.apply.timeouts")
		return fmt.Errorf("%w: apply of %s abandoned after %s", models.ErrTransientIO, rev, m.cfg.ApplyTimeout)
	}
}
