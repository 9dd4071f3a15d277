package oci

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

const defaultHeadConcurrency = 8

type Options struct {
	Username string
	Password string
	// Insecure allows plain http registries.
	Insecure bool
	// HeadConcurrency bounds parallel manifest HEAD requests per listing.
	HeadConcurrency int
}

// Index lists tags of a repository and resolves the digest of every tag
// that parses as semver. Other tags are returned without a digest.
type Index struct {
	opts Options
}

func NewIndex(opts Options) *Index {
	if opts.HeadConcurrency <= 0 {
		opts.HeadConcurrency = defaultHeadConcurrency
	}
	return &Index{opts: opts}
}

func (i *Index) ListTags(ctx context.Context, repository string) ([]models.TagDigest, error) {
	repo, err := name.NewRepository(repository, i.nameOptions()...)
	if err != nil {
		return nil, fmt.Errorf("%w: bad repository %q: %v", models.ErrValidation, repository, err)
	}
	remoteOpts := i.remoteOptions(ctx)

	tags, err := remote.List(repo, remoteOpts...)
	if err != nil {
		return nil, classifyRegistryError(repository, err)
	}

	var (
		mu     sync.Mutex
		result = make([]models.TagDigest, 0, len(tags))
		eg, _  = errgroup.WithContext(ctx)
	)
	eg.SetLimit(i.opts.HeadConcurrency)

	for _, tag := range tags {
		if _, err := models.ParseTag(tag); err != nil {
			mu.Lock()
			result = append(result, models.TagDigest{Tag: tag})
			mu.Unlock()
			continue
		}
		eg.Go(func() error {
			digest := ""
			desc, err := remote.Head(repo.Tag(tag), remoteOpts...)
			if err != nil {
				log.Debug().Err(err).Msgf("failed to resolve digest of %s:%s", repository, tag)
			} else {
				digest = desc.Digest.String()
			}
			mu.Lock()
			result = append(result, models.TagDigest{Tag: tag, Digest: digest})
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(result, func(a, b int) bool {
		return result[a].Tag < result[b].Tag
	})
	return result, nil
}

func (i *Index) nameOptions() []name.Option {
	opts := []name.Option{name.WeakValidation}
	if i.opts.Insecure {
		opts = append(opts, name.Insecure)
	}
	return opts
}

func (i *Index) remoteOptions(ctx context.Context) []remote.Option {
	opts := []remote.Option{remote.WithContext(ctx)}
	if i.opts.Username != "" {
		opts = append(opts, remote.WithAuth(&authn.Basic{
			Username: i.opts.Username,
			Password: i.opts.Password,
		}))
	} else {
		opts = append(opts, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	}
	return opts
}

func classifyRegistryError(repository string, err error) error {
	var transportErr *transport.Error
	if errors.As(err, &transportErr) {
		switch transportErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: registry denied access to %s: %v", models.ErrTransientIO, repository, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: repository %s not found: %v", models.ErrTransientIO, repository, err)
		}
	}
	return fmt.Errorf("%w: listing %s: %v", models.ErrTransientIO, repository, err)
}
