package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

// File is the seed documents file:
//
//	documents:
//	  - target: {kind: service, name: api}
//	    image: {repository: registry.local/api, tag: v1.0.0}
//	    values:
//	      namespace: prod
//	      scrape.enabled: "true"
//	      scrape.port: "9090"
type File struct {
	Documents []models.Document `yaml:"documents"`
}

type Seeder interface {
	Seed(ctx context.Context, doc models.Document) (models.Revision, bool, error)
}

type Store interface {
	Latest(ctx context.Context, target models.TargetRef) (models.Revision, error)
	Targets(ctx context.Context) ([]models.TargetRef, error)
}

type Tracker interface {
	Track(repository, declaredTag string)
}

func Load(path string) ([]models.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) ([]models.Document, error) {
	file := File{}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("%w: bad seed file: %v", models.ErrValidation, err)
	}
	seen := make(map[models.TargetRef]struct{}, len(file.Documents))
	for i, doc := range file.Documents {
		if err := doc.Validate(); err != nil {
			return nil, fmt.Errorf("seed document %d: %w", i, err)
		}
		if _, dup := seen[doc.Target]; dup {
			return nil, fmt.Errorf("%w: seed document %d: duplicate target %s", models.ErrValidation, i, doc.Target)
		}
		seen[doc.Target] = struct{}{}
	}
	return file.Documents, nil
}

// Seed imports documents of targets that have no revisions yet.
// Returns the number of imported documents.
func Seed(ctx context.Context, seeder Seeder, docs []models.Document, log zerolog.Logger) (int, error) {
	seeded := 0
	var errs []error
	for _, doc := range docs {
		rev, written, err := seeder.Seed(ctx, doc)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to seed %s: %w", doc.Target, err))
			continue
		}
		if !written {
			log.Debug().Msgf("%s already has revisions, skip seed", doc.Target)
			continue
		}
		seeded++
		log.Info().Msgf("seeded %s", rev)
	}
	return seeded, errors.Join(errs...)
}

// TrackDeclared starts watching the image repository of every service target
// from the tag it declares.
func TrackDeclared(ctx context.Context, store Store, tracker Tracker) error {
	targets, err := store.Targets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list targets: %w", err)
	}
	for _, target := range targets {
		if target.Kind != models.KindService {
			continue
		}
		latest, err := store.Latest(ctx, target)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read latest revision of %s: %w", target, err)
		}
		tracker.Track(latest.Document.Image.Repository, latest.Document.Image.Tag)
	}
	return nil
}

type Watchable interface {
	Watch(ctx context.Context) (<-chan models.Revision, error)
}

// FollowCommits tracks repositories of service revisions committed after start.
func FollowCommits(ctx context.Context, store Watchable, tracker Tracker) error {
	feed, err := store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch store commits: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case rev, ok := <-feed:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("store commit feed closed")
			}
			if rev.Document.Target.Kind == models.KindService {
				tracker.Track(rev.Document.Image.Repository, rev.Document.Image.Tag)
			}
		}
	}
}
