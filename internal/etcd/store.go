package etcd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

// Store is the etcd backed manifest store. Appends are single transactions
// guarded by the version of the target's latest key, which equals the number
// of committed revisions.
type Store struct {
	etcd *clientv3.Client
	now  func() time.Time
}

func NewStore(ctx context.Context, etcdHosts []string, dialTimeout time.Duration) (*Store, error) {
	clnt, err := clientv3.New(clientv3.Config{
		Endpoints:   etcdHosts,
		DialTimeout: dialTimeout,
		Context:     ctx,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return NewStoreFromClient(clnt), nil
}

func NewStoreFromClient(clnt *clientv3.Client) *Store {
	return &Store{
		etcd: clnt,
		now:  time.Now,
	}
}

func (s *Store) Client() *clientv3.Client {
	return s.etcd
}

func (s *Store) Close() error {
	err := s.etcd.Close()
	if err != nil {
		log.Error().Err(err).Msg("failed to close etcd client")
		return err
	}
	return nil
}

func (s *Store) Append(ctx context.Context, doc models.Document, expectedSeq uint64) (models.Revision, error) {
	if err := doc.Validate(); err != nil {
		return models.Revision{}, err
	}
	var (
		target = doc.Target
		rev    = models.NewRevision(doc, expectedSeq+1, s.now())
		value  = mustJsonMarshal(revisionToDto(rev))
	)
	tx := s.etcd.Txn(ctx).If(
		clientv3.Compare(clientv3.Version(latestKey(target)), "=", int64(expectedSeq)),
		clientv3.Compare(clientv3.CreateRevision(revisionKey(target, rev.Seq)), "=", 0),
	).Then(
		clientv3.OpPut(revisionKey(target, rev.Seq), value),
		clientv3.OpPut(latestKey(target), value),
	).Else(
		clientv3.OpGet(latestKey(target)),
	)
	resp, err := tx.Commit()
	if err != nil {
		return s.resolveUnknownOutcome(ctx, rev, err)
	}
	if resp.Succeeded {
		return rev, nil
	}
	latest, exists, err := extractRevisionFromTxnResponse(resp)
	if err != nil {
		return models.Revision{}, fmt.Errorf("failed to extract latest revision of %s: %w", target, err)
	}
	if !exists {
		return models.Revision{}, fmt.Errorf(
			"%w: %s has no revisions, expected %d", models.ErrConflict, target, expectedSeq,
		)
	}
	return models.Revision{}, fmt.Errorf(
		"%w: %s latest revision is %d, expected %d", models.ErrConflict, target, latest.Seq, expectedSeq,
	)
}

// resolveUnknownOutcome is called when the commit returned an error: the
// transaction may or may not have been applied.
func (s *Store) resolveUnknownOutcome(ctx context.Context, rev models.Revision, commitErr error) (models.Revision, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}
	target := rev.Document.Target

	resp, err := s.etcd.Txn(ctx).Then(
		clientv3.OpGet(latestKey(target)),
		clientv3.OpGet(revisionKey(target, rev.Seq)),
	).Commit()
	if err != nil {
		return models.Revision{}, fmt.Errorf(
			"%w: committing revision %d of %s: %v", models.ErrTransientIO, rev.Seq, target, commitErr,
		)
	}
	var (
		latestKvs  = resp.Responses[0].GetResponseRange().GetKvs()
		historyKvs = resp.Responses[1].GetResponseRange().GetKvs()
		latestSeq  = uint64(0)
	)
	if len(latestKvs) > 0 {
		latestSeq = uint64(latestKvs[0].Version)
	}
	switch {
	case len(historyKvs) == 0 && latestSeq < rev.Seq:
		return models.Revision{}, fmt.Errorf(
			"%w: revision %d of %s not committed: %v", models.ErrTransientIO, rev.Seq, target, commitErr,
		)
	case len(historyKvs) > 0 && latestSeq >= rev.Seq:
		stored, err := parseRevision(historyKvs[0].Value)
		if err == nil && stored.Hash == rev.Hash && stored.CommittedAt.Equal(rev.CommittedAt) {
			return stored, nil
		}
		return models.Revision{}, fmt.Errorf(
			"%w: revision %d of %s committed by another writer", models.ErrConflict, rev.Seq, target,
		)
	}
	return models.Revision{}, fmt.Errorf(
		"%w: revision %d of %s: history and latest pointer disagree (latest=%d)",
		models.ErrPartialWrite, rev.Seq, target, latestSeq,
	)
}

func (s *Store) Latest(ctx context.Context, target models.TargetRef) (models.Revision, error) {
	resp, err := s.etcd.Get(ctx, latestKey(target))
	if err != nil {
		return models.Revision{}, fmt.Errorf("%w: failed to get latest revision of %s: %v", models.ErrTransientIO, target, err)
	}
	if len(resp.Kvs) < 1 {
		return models.Revision{}, fmt.Errorf("%w: target %s", models.ErrNotFound, target)
	}
	return parseRevision(resp.Kvs[0].Value)
}

func (s *Store) Get(ctx context.Context, target models.TargetRef, seq uint64) (models.Revision, error) {
	resp, err := s.etcd.Get(ctx, revisionKey(target, seq))
	if err != nil {
		return models.Revision{}, fmt.Errorf("%w: failed to get revision %d of %s: %v", models.ErrTransientIO, seq, target, err)
	}
	if len(resp.Kvs) < 1 {
		return models.Revision{}, fmt.Errorf("%w: revision %d of %s", models.ErrNotFound, seq, target)
	}
	return parseRevision(resp.Kvs[0].Value)
}

func (s *Store) History(ctx context.Context, target models.TargetRef) ([]models.Revision, error) {
	var (
		result   = make([]models.Revision, 0, 16)
		startKey = revisionKey(target, 1)
		endKey   = clientv3.GetPrefixRangeEnd(targetRevisionsFolder(target) + "/")
	)
	for {
		resp, err := s.etcd.Get(
			ctx,
			startKey,
			clientv3.WithRange(endKey),
			clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
			clientv3.WithLimit(256),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get history of %s: %v", models.ErrTransientIO, target, err)
		}
		for _, kv := range resp.Kvs {
			rev, err := parseRevision(kv.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to parse revision from key %s: %w", kv.Key, err)
			}
			result = append(result, rev)
			startKey = string(append(kv.Key, 0))
		}
		if !resp.More {
			break
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: target %s", models.ErrNotFound, target)
	}
	return result, nil
}

func (s *Store) Targets(ctx context.Context) ([]models.TargetRef, error) {
	resp, err := s.etcd.Get(
		ctx,
		LatestFolder()+"/",
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list targets: %v", models.ErrTransientIO, err)
	}
	result := make([]models.TargetRef, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		target, err := parseLatestKey(string(kv.Key))
		if err != nil {
			log.Warn().Err(err).Msgf("skip unparsable latest key %s", kv.Key)
			continue
		}
		result = append(result, target)
	}
	return result, nil
}
