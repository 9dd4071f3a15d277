package static

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

// Index is a registry listing kept in memory. Used for local runs and tests,
// tags are returned in discovery order.
type Index struct {
	mu    sync.Mutex
	repos map[string][]models.TagDigest
	fail  map[string]error
}

func NewIndex() *Index {
	return &Index{
		repos: make(map[string][]models.TagDigest),
		fail:  make(map[string]error),
	}
}

// Push adds or moves a tag.
func (i *Index) Push(repository, tag, digest string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	tags := i.repos[repository]
	for idx := range tags {
		if tags[idx].Tag == tag {
			tags[idx].Digest = digest
			return
		}
	}
	i.repos[repository] = append(tags, models.TagDigest{Tag: tag, Digest: digest})
}

// SetUnreachable makes ListTags fail for the repository until it is reset with nil.
func (i *Index) SetUnreachable(repository string, err error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err == nil {
		delete(i.fail, repository)
		return
	}
	i.fail[repository] = err
}

func (i *Index) ListTags(ctx context.Context, repository string) ([]models.TagDigest, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err, ok := i.fail[repository]; ok {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrTransientIO, repository, err)
	}
	return slices.Clone(i.repos[repository]), nil
}
