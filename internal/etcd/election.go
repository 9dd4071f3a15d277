package etcd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const leaderLeaseTTLInSeconds = 15

// Elector makes sure only one reconciler instance drives the live system.
type Elector struct {
	nodeID   string
	etcd     *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
}

func NewElector(clnt *clientv3.Client, nodeID string) *Elector {
	return &Elector{
		nodeID: nodeID,
		etcd:   clnt,
	}
}

// BecomeLeader blocks until the instance wins the election or ctx is done.
// The returned channel is closed when leadership is lost.
func (e *Elector) BecomeLeader(ctx context.Context) (bool, <-chan struct{}, error) {
	session, err := concurrency.NewSession(
		e.etcd,
		concurrency.WithContext(ctx),
		concurrency.WithTTL(leaderLeaseTTLInSeconds),
	)
	if err != nil {
		return false, nil, fmt.Errorf("failed to create session: %w", err)
	}
	e.session = session
	e.election = concurrency.NewElection(session, ReconcilerLeadership)

	for {
		err = e.election.Campaign(ctx, e.nodeID)
		if errors.Is(err, concurrency.ErrElectionNotLeader) {
			continue
		}
		if errors.Is(err, context.Canceled) {
			return false, nil, nil
		}
		if err != nil {
			return false, nil, err
		}
		log.Warn().Msgf("instance %s won leader election for %s", e.nodeID, ReconcilerLeadership)
		return true, e.session.Done(), nil
	}
}

func (e *Elector) Resign(ctx context.Context) {
	if e.election != nil {
		err := e.election.Resign(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to gracefully resign leader")
		}
	}
	if e.session != nil {
		err := e.session.Close()
		if err != nil {
			log.Error().Err(err).Msg("failed to destroy session")
		}
	}
}
