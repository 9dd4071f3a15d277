package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/gitops-loop/internal/models"
	"github.com/Sh00ty/gitops-loop/internal/pgerror"
)

const (
	observationsTable = "artifact_observations"
)

const schema = `
create table if not exists artifact_observations (
	repository    text        not null,
	tag           text        not null constraint artifact_observations_tag_check check (tag <> ''),
	digest        text        not null default '',
	discovered_at timestamptz not null,
	promoted_at   timestamptz,
	primary key (repository, tag, digest)
);
create index if not exists artifact_observations_discovered_idx
	on artifact_observations (repository, discovered_at);
`

// Repository keeps every artifact observation. Rows are never deleted, a digest
// change for a known tag is stored as another row.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, user, password, addr string, port uint16, dbName string) (*Repository, error) {
	cfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=%s sslmode=disable pool_max_conns=5",
			user, password, addr, port, dbName,
		),
	)
	if cfg == nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) Close() {
	r.db.Close()
}

func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, observations []models.ArtifactVersion) error {
	if len(observations) == 0 {
		return nil
	}
	builder := squirrel.Insert(observationsTable).
		Columns("repository", "tag", "digest", "discovered_at").
		Suffix("on conflict (repository, tag, digest) do nothing").
		PlaceholderFormat(squirrel.Dollar)

	for _, obs := range observations {
		builder = builder.Values(obs.Repository, obs.Tag, obs.Digest, obs.DiscoveredAt)
	}
	sql, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to create db request: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return pgerror.Classify(err, "record observations")
	}
	if int(tag.RowsAffected()) < len(observations) {
		log.Debug().Msgf("recorded %d of %d observations, rest already known", tag.RowsAffected(), len(observations))
	}
	return nil
}

func (r *Repository) MarkPromoted(ctx context.Context, v models.ArtifactVersion) error {
	sql, args, err := squirrel.Update(observationsTable).
		Set("promoted_at", time.Now()).
		Where(squirrel.Eq{
			"repository": v.Repository,
			"tag":        v.Tag,
			"digest":     v.Digest,
		}).
		Where(squirrel.Eq{"promoted_at": nil}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to create db request: %w", err)
	}
	_, err = r.db.Exec(ctx, sql, args...)
	if err != nil {
		return pgerror.Classify(err, "mark "+v.String()+" promoted")
	}
	return nil
}

func (r *Repository) List(ctx context.Context, repository string, limit uint64) ([]models.Observation, error) {
	query := squirrel.Select(
		"repository",
		"tag",
		"digest",
		"discovered_at",
		"promoted_at",
	).From(observationsTable).
		Where(squirrel.Eq{"repository": repository}).
		OrderBy("discovered_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	sql, args, err := query.
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, pgerror.Classify(err, "list observations of "+repository)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Observation, error) {
		obs := models.Observation{}
		err := row.Scan(
			&obs.Version.Repository,
			&obs.Version.Tag,
			&obs.Version.Digest,
			&obs.Version.DiscoveredAt,
			&obs.PromotedAt,
		)
		return obs, err
	})
}
