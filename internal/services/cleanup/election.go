package cleanup

import (
	"context"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
)

const (
	electionPrefix     = "/studytrack/cleanup/leader"
	electionSessionTTL = 15 // seconds
)

// EtcdElector campaigns for the cleanup leadership via an etcd election.
// Replicas that lose (or lose the session) simply skip ticks until they win
// again; the passes stay idempotent either way.
type EtcdElector struct {
	client *clientv3.Client
	log    *zap.Logger
	leader atomic.Bool
}

// NewEtcdElector connects to etcd and returns an elector that is not yet
// campaigning. Call Run to start.
func NewEtcdElector(endpoints []string, log *zap.Logger) (*EtcdElector, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdElector{client: client, log: log}, nil
}

// IsLeader reports whether this replica currently holds the leadership.
func (e *EtcdElector) IsLeader() bool {
	return e.leader.Load()
}

// Run campaigns in a loop until ctx ends, re-campaigning after a lost
// session. Leadership flips to false the moment the session closes.
func (e *EtcdElector) Run(ctx context.Context) error {
	defer e.client.Close()
	for {
		if err := e.campaign(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.Warn("leader election campaign failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (e *EtcdElector) campaign(ctx context.Context) error {
	session, err := concurrency.NewSession(e.client, concurrency.WithTTL(electionSessionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return err
	}
	defer session.Close()

	election := concurrency.NewElection(session, electionPrefix)
	if err := election.Campaign(ctx, "cleanup"); err != nil {
		return err
	}
	e.leader.Store(true)
	e.log.Info("acquired cleanup leadership")
	defer func() {
		e.leader.Store(false)
		e.log.Info("released cleanup leadership")
	}()

	select {
	case <-ctx.Done():
		resignCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = election.Resign(resignCtx)
		return ctx.Err()
	case <-session.Done():
		return nil
	}
}
