package etcd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

const commitFeedBuffer = 256

// commitFeed follows the latest pointers from a store revision and resumes
// from the last seen revision when the watch is canceled by the server. When
// the resume revision was compacted away the current latest revision of
// every target is emitted again, so no commit is silently lost.
type commitFeed struct {
	clnt         *clientv3.Client
	prefix       string
	lastRevision int64
	out          chan models.Revision
	log          zerolog.Logger
}

// Watch streams committed revisions starting after the current store revision.
func (s *Store) Watch(ctx context.Context) (<-chan models.Revision, error) {
	resp, err := s.etcd.Get(ctx, LatestFolder()+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get store revision: %v", models.ErrTransientIO, err)
	}
	feed := &commitFeed{
		clnt:         s.etcd,
		prefix:       LatestFolder() + "/",
		lastRevision: resp.Header.Revision + 1,
		out:          make(chan models.Revision, commitFeedBuffer),
		log:          log.With().Str("component", "etcd-commit-feed").Logger(),
	}
	go func() {
		defer close(feed.out)
		err := feed.run(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			feed.log.Error().Err(err).Msg("manifest watcher stopped")
		}
	}()
	return feed.out, nil
}

func (f *commitFeed) watch(ctx context.Context) clientv3.WatchChan {
	return f.clnt.Watch(
		ctx,
		f.prefix,
		clientv3.WithRev(f.lastRevision),
		clientv3.WithPrefix(),
		clientv3.WithCreatedNotify(),
		clientv3.WithFilterDelete(),
	)
}

func (f *commitFeed) run(ctx context.Context) error {
	ctx = clientv3.WithRequireLeader(ctx)
	watchChan := f.watch(ctx)
	for {
		select {
		case resp, ok := <-watchChan:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.log.Warn().Msg("watch channel closed, rewatch")
				watchChan = f.watch(ctx)
				continue
			}
			if resp.Canceled {
				f.log.Error().Err(resp.Err()).Msgf("watch canceled at revision %d", f.lastRevision)
				if resp.CompactRevision > f.lastRevision {
					if err := f.snapshot(ctx); err != nil {
						f.log.Error().Err(err).Msg("failed to resync latest revisions after compaction")
					}
				}
				watchChan = f.watch(ctx)
				continue
			}
			if err := resp.Err(); err != nil {
				f.log.Error().Err(err).Msg("got unexpected watch error")
				continue
			}
			if resp.IsProgressNotify() {
				f.lastRevision = resp.Header.Revision + 1
				continue
			}
			for _, ev := range resp.Events {
				if ev.Type != mvccpb.PUT {
					continue
				}
				if err := f.emit(ctx, ev.Kv); err != nil {
					return err
				}
			}
			f.lastRevision = resp.Header.Revision + 1
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// snapshot emits the latest revision of every target and moves the feed past
// the snapshot revision.
func (f *commitFeed) snapshot(ctx context.Context) error {
	resp, err := f.clnt.Get(ctx, f.prefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	f.log.Warn().Msgf("history compacted, resend %d latest revisions", len(resp.Kvs))
	for _, kv := range resp.Kvs {
		if err := f.emit(ctx, kv); err != nil {
			return err
		}
	}
	f.lastRevision = resp.Header.Revision + 1
	return nil
}

func (f *commitFeed) emit(ctx context.Context, kv *mvccpb.KeyValue) error {
	rev, err := parseRevision(kv.Value)
	if err != nil {
		f.log.Error().Err(err).Msgf("skip malformed revision at %s", kv.Key)
		return nil
	}
	select {
	case f.out <- rev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
