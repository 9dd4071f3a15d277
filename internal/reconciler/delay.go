package reconciler

import (
	"fmt"
	"time"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

type delayedRetry struct {
	target models.TargetRef
	// generation of the degradation the retry was scheduled for
	generation uint64
	applyAt    time.Time
}

func (r delayedRetry) String() string {
	return fmt.Sprintf("{target=%s, generation=%d, apply_at=%s}", r.target, r.generation, r.applyAt.Format(time.DateTime))
}

func (m *Manager) delayRetry(retry delayedRetry) {
	m.log.Info().Msgf("delayed retry: %v", retry)

	front := m.delayedRetries.Front()
	if front == nil {
		m.delayTimer.Reset(time.Until(retry.applyAt))
		m.delayedRetries.PushFront(retry)
		return
	}
	frontRetry := front.Value.(delayedRetry)
	if frontRetry.applyAt.After(retry.applyAt) {
		m.delayTimer.Reset(time.Until(retry.applyAt))
		m.delayedRetries.PushFront(retry)
		return
	}
	for i := front.Next(); i != nil; i = i.Next() {
		listRetry := i.Value.(delayedRetry)
		if listRetry.applyAt.After(retry.applyAt) {
			m.delayedRetries.InsertBefore(retry, i)
			return
		}
	}
	m.delayedRetries.PushBack(retry)
}

func (m *Manager) handleDelayedRetry() {
	for {
		front := m.delayedRetries.Front()
		if front == nil {
			return
		}
		retry := front.Value.(delayedRetry)
		if wait := time.Until(retry.applyAt); wait > 0 {
			m.delayTimer.Reset(wait)
			return
		}
		m.delayedRetries.Remove(front)

		m.log.Info().Msgf("got delayed retry: %v", retry)
		if a := m.actor(retry.target); a != nil {
			a.requestRetry(retryRequest{scheduled: true, generation: retry.generation})
		}
	}
}
