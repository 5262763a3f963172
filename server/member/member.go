// Copyright 2016 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package member implements master leader election over the
// coordination store (spec.md §4.1): campaign via a lease-backed
// ephemeral key, watch the incumbent while standby, and detect
// cluster-starter vs. failover on bootstrap -- grounded on the
// teacher's lease-grant-then-compare-and-swap campaign in
// server/leader.go, adapted onto the coord.Client wrapper instead of
// a raw etcd client tangled up with the server's other state.
package member

import (
	"context"
	"path"
	"sync/atomic"
	"time"

	"github.com/coregrid/master/server/coord"
	"github.com/pingcap/log"
	"go.etcd.io/etcd/clientv3"
	"go.uber.org/zap"
)

// Election owns one process's participation in master leadership.
type Election struct {
	coord          *coord.Client
	rootPath       string
	rpcAddr        string
	backup         bool
	sessionTimeout time.Duration

	leading int32 // atomic bool, true while this process holds leadership
}

// New creates an Election bound to coordClient. backup delays the
// first campaign attempt (spec.md §4.1: a backup master waits
// 2*sessionTimeout before contending, giving the active master first
// refusal).
func New(coordClient *coord.Client, rootPath, rpcAddr string, backup bool, sessionTimeout time.Duration) *Election {
	return &Election{
		coord:          coordClient,
		rootPath:       rootPath,
		rpcAddr:        rpcAddr,
		backup:         backup,
		sessionTimeout: sessionTimeout,
	}
}

func (e *Election) leaderPath() string {
	return path.Join(e.rootPath, "master")
}

// IsLeader reports whether this process currently holds leadership.
func (e *Election) IsLeader() bool {
	return atomic.LoadInt32(&e.leading) == 1
}

// Campaign contends for master leadership. It blocks until either
// this process wins (returning a lost channel closed when leadership
// is later lost, and a resign func to give it up voluntarily) or ctx
// is cancelled.
func (e *Election) Campaign(ctx context.Context) (lost <-chan struct{}, resign func(), err error) {
	if e.backup {
		log.Info("backup master, deferring first campaign attempt", zap.Duration("delay", 2*e.sessionTimeout))
		select {
		case <-time.After(2 * e.sessionTimeout):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	key := e.leaderPath()
	lostCh := make(chan struct{})

	for {
		leaseID, keepAlive, err := e.coord.GrantLease(ctx, e.sessionTimeout)
		if err != nil {
			return nil, nil, err
		}

		won, err := e.coord.CreateEphemeral(ctx, key, []byte(e.rpcAddr), leaseID)
		if err != nil {
			return nil, nil, err
		}
		if won {
			atomic.StoreInt32(&e.leading, 1)
			log.Info("won master election", zap.String("rpc-addr", e.rpcAddr))

			go e.holdLeadership(ctx, keepAlive, lostCh)

			resign = func() {
				if atomic.CompareAndSwapInt32(&e.leading, 1, 0) {
					_ = e.coord.Delete(context.Background(), key)
				}
			}
			return lostCh, resign, nil
		}

		log.Info("another process is master, watching for it to step down")
		if waitErr := e.waitForVacancy(ctx, key); waitErr != nil {
			return nil, nil, waitErr
		}
	}
}

// holdLeadership keeps this process's lease alive until the keepalive
// stream ends (lease expiry, session loss) or ctx is cancelled, then
// closes lostCh exactly once.
func (e *Election) holdLeadership(ctx context.Context, keepAlive <-chan *clientv3.LeaseKeepAliveResponse, lostCh chan struct{}) {
	defer func() {
		atomic.StoreInt32(&e.leading, 0)
		close(lostCh)
	}()
	for {
		select {
		case _, ok := <-keepAlive:
			if !ok {
				log.Warn("master lease keepalive stream closed, leadership lost")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// waitForVacancy blocks until the leader key at path is deleted
// (incumbent resigned or its lease expired) or ctx is cancelled.
func (e *Election) waitForVacancy(ctx context.Context, path string) error {
	_, rev, err := e.coord.Read(ctx, path)
	if err != nil {
		return err
	}
	for ev := range e.coord.Watch(ctx, path, rev+1, false) {
		if ev.Deleted {
			return nil
		}
	}
	return ctx.Err()
}

// IsClusterStarter reports whether this is the first master of a
// brand-new cluster (no region server registered under rootPath/rs)
// versus a failover master joining a cluster whose region servers are
// already registered (spec.md §4.1).
func IsClusterStarter(ctx context.Context, c *coord.Client, rootPath string) (bool, error) {
	children, err := c.List(ctx, path.Join(rootPath, "rs")+"/")
	if err != nil {
		return false, err
	}
	return len(children) == 0, nil
}
