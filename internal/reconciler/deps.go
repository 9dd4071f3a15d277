package reconciler

import (
	"context"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

type Store interface {
	Latest(ctx context.Context, target models.TargetRef) (models.Revision, error)
	Targets(ctx context.Context) ([]models.TargetRef, error)
	Watch(ctx context.Context) (<-chan models.Revision, error)
}

// LiveSystem is the system being driven toward the declared state.
// Apply must be idempotent. Rejections are reported wrapped in models.ErrApplyFailure,
// anything else is treated as transient.
type LiveSystem interface {
	Apply(ctx context.Context, rev models.Revision) error
	Observe(ctx context.Context, target models.TargetRef) (models.LiveObjectState, error)
}

// Notifier receives every state transition from the target actors. Notify should return quickly.
type Notifier interface {
	Notify(tr models.Transition)
}

type NoopNotifier struct{}

func (NoopNotifier) Notify(models.Transition) {}
