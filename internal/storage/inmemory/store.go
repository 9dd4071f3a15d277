package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

const subscriberBuffer = 256

type subscriber struct {
	ch   chan models.Revision
	done <-chan struct{}
}

type record struct {
	mu        sync.RWMutex
	revisions []models.Revision
}

// Store keeps the revision history of every target object in memory.
// Each target has its own lock, the map lock only guards the arena itself.
type Store struct {
	mu      *sync.RWMutex
	records map[models.TargetRef]*record

	subsMu *sync.Mutex
	subs   []subscriber

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		mu:      &sync.RWMutex{},
		records: make(map[models.TargetRef]*record, 128),
		subsMu:  &sync.Mutex{},
		now:     time.Now,
	}
}

func (s *Store) recordFor(target models.TargetRef, create bool) *record {
	s.mu.RLock()
	rec, ok := s.records[target]
	s.mu.RUnlock()
	if ok || !create {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok = s.records[target]
	if !ok {
		rec = &record{}
		s.records[target] = rec
	}
	return rec
}

// Append commits doc as the next revision if the latest committed sequence number
// is still expectedSeq (0 for the first revision).
func (s *Store) Append(ctx context.Context, doc models.Document, expectedSeq uint64) (models.Revision, error) {
	if err := ctx.Err(); err != nil {
		return models.Revision{}, fmt.Errorf("%w: %v", models.ErrTransientIO, err)
	}
	if err := doc.Validate(); err != nil {
		return models.Revision{}, err
	}
	rec := s.recordFor(doc.Target, true)

	rec.mu.Lock()
	latestSeq := uint64(len(rec.revisions))
	if latestSeq != expectedSeq {
		rec.mu.Unlock()
		return models.Revision{}, fmt.Errorf(
			"%w: %s latest revision is %d, expected %d",
			models.ErrConflict, doc.Target, latestSeq, expectedSeq,
		)
	}
	// the revision is fully built before it becomes visible
	rev := models.NewRevision(doc, latestSeq+1, s.now())
	rec.revisions = append(rec.revisions, rev)
	rec.mu.Unlock()

	s.publish(rev)
	return rev, nil
}

func (s *Store) Latest(ctx context.Context, target models.TargetRef) (models.Revision, error) {
	rec := s.recordFor(target, false)
	if rec == nil {
		return models.Revision{}, fmt.Errorf("%w: target %s", models.ErrNotFound, target)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	if len(rec.revisions) == 0 {
		return models.Revision{}, fmt.Errorf("%w: target %s", models.ErrNotFound, target)
	}
	return cloneRevision(rec.revisions[len(rec.revisions)-1]), nil
}

func (s *Store) Get(ctx context.Context, target models.TargetRef, seq uint64) (models.Revision, error) {
	rec := s.recordFor(target, false)
	if rec == nil {
		return models.Revision{}, fmt.Errorf("%w: target %s", models.ErrNotFound, target)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	if seq == 0 || seq > uint64(len(rec.revisions)) {
		return models.Revision{}, fmt.Errorf("%w: revision %d of %s", models.ErrNotFound, seq, target)
	}
	return cloneRevision(rec.revisions[seq-1]), nil
}

func (s *Store) History(ctx context.Context, target models.TargetRef) ([]models.Revision, error) {
	rec := s.recordFor(target, false)
	if rec == nil {
		return nil, fmt.Errorf("%w: target %s", models.ErrNotFound, target)
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	result := make([]models.Revision, 0, len(rec.revisions))
	for _, rev := range rec.revisions {
		result = append(result, cloneRevision(rev))
	}
	return result, nil
}

func (s *Store) Targets(ctx context.Context) ([]models.TargetRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.TargetRef, 0, len(s.records))
	for target := range s.records {
		result = append(result, target)
	}
	slices.SortFunc(result, models.CompareTargets)
	return result, nil
}

// Watch returns every revision committed after the call. The channel is closed
// when ctx is done. Order is not guaranteed across concurrent writers of one
// target, consumers re-read Latest.
func (s *Store) Watch(ctx context.Context) (<-chan models.Revision, error) {
	ch := make(chan models.Revision, subscriberBuffer)

	s.subsMu.Lock()
	s.subs = append(s.subs, subscriber{ch: ch, done: ctx.Done()})
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		defer s.subsMu.Unlock()

		s.subs = slices.DeleteFunc(s.subs, func(sub subscriber) bool {
			return sub.ch == ch
		})
		close(ch)
	}()
	return ch, nil
}

func (s *Store) publish(rev models.Revision) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	for _, sub := range s.subs {
		// slow subscribers block writers instead of losing commits
		select {
		case sub.ch <- cloneRevision(rev):
		case <-sub.done:
		}
	}
}

func cloneRevision(rev models.Revision) models.Revision {
	rev.Document = rev.Document.Clone()
	return rev
}
