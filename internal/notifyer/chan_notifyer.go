package notifyer

import (
	"context"
	"sync/atomic"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

type ChanNotifyer struct {
	eventChan chan models.Transition
	closed    atomic.Bool
	close     chan struct{}
}

func NewNotifier(buf int) *ChanNotifyer {
	return &ChanNotifyer{
		eventChan: make(chan models.Transition, buf),
		closed:    atomic.Bool{},
		close:     make(chan struct{}),
	}
}

func (n *ChanNotifyer) Notify(tr models.Transition) {
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- tr:
	case <-n.close:
	default:
		if n.closed.Load() {
			return
		}
		// publisher is behind, wait for it
		select {
		case n.eventChan <- tr:
		case <-n.close:
		}
	}
}

func (n *ChanNotifyer) GetEventChan() <-chan models.Transition {
	return n.eventChan
}

// Close stops accepting transitions. Buffered ones are still delivered.
func (n *ChanNotifyer) Close() {
	if n.closed.Swap(true) {
		return
	}
	close(n.close)
}

// CloseOnDone closes the notifier once ctx is done, releasing senders blocked
// on a full buffer after the publisher stopped reading.
func (n *ChanNotifyer) CloseOnDone(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			n.Close()
		case <-n.close:
		}
	}()
}
