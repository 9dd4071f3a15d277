package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

type observationKey struct {
	repository string
	tag        string
	digest     string
}

// History is an append-only observation log kept in memory.
type History struct {
	mu    sync.Mutex
	index map[observationKey]int
	log   []models.Observation
}

func NewHistory() *History {
	return &History{
		index: make(map[observationKey]int, 128),
	}
}

func keyOf(v models.ArtifactVersion) observationKey {
	return observationKey{repository: v.Repository, tag: v.Tag, digest: v.Digest}
}

func (h *History) Record(ctx context.Context, observations []models.ArtifactVersion) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, obs := range observations {
		key := keyOf(obs)
		if _, exists := h.index[key]; exists {
			continue
		}
		h.index[key] = len(h.log)
		h.log = append(h.log, models.Observation{Version: obs})
	}
	return nil
}

func (h *History) MarkPromoted(ctx context.Context, v models.ArtifactVersion) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx, exists := h.index[keyOf(v)]
	if !exists {
		h.index[keyOf(v)] = len(h.log)
		h.log = append(h.log, models.Observation{Version: v})
		idx = len(h.log) - 1
	}
	if h.log[idx].PromotedAt == nil {
		now := time.Now()
		h.log[idx].PromotedAt = &now
	}
	return nil
}

// List returns up to limit observations of the repository, newest first.
// Zero limit returns all of them.
func (h *History) List(ctx context.Context, repository string, limit uint64) ([]models.Observation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]models.Observation, 0)
	for i := len(h.log) - 1; i >= 0; i-- {
		if limit > 0 && uint64(len(result)) == limit {
			break
		}
		if h.log[i].Version.Repository == repository {
			result = append(result, h.log[i])
		}
	}
	return result, nil
}
