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

// Package coord is a thin typed wrapper over the coordination store
// (spec.md §4.2): sessions, ephemeral nodes, and watches, backed by
// etcd's clientv3, the way server/leader.go talks to etcd directly.
package coord

import (
	"context"
	"time"

	"github.com/coregrid/master/server/errs"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/clientv3"
	"go.uber.org/zap"
)

const (
	requestTimeout = 3 * time.Second
	slowRequestTime = time.Second
)

// Client wraps an etcd clientv3.Client with the small vocabulary the
// master needs: create_ephemeral, read, list, watch, and a stream of
// session-loss events. It never exposes the raw etcd client so every
// master-initiated write can be routed through retry/error
// classification in one place.
type Client struct {
	inner      *clientv3.Client
	retries    int
	sessionLost chan struct{}
}

// NewClient dials the coordination store at the given endpoints.
func NewClient(endpoints []string, numRetries int) (*Client, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: requestTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "dial coordination store")
	}
	return &Client{inner: c, retries: numRetries, sessionLost: make(chan struct{}, 1)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.inner.Close()
}

// SessionLost is signalled exactly once when the client's session is
// judged lost (lease expiry, unrecoverable watch error). The consumer
// (MasterLoop) must treat this as fatal per spec.md §4.2.
func (c *Client) SessionLost() <-chan struct{} {
	return c.sessionLost
}

func (c *Client) markSessionLost() {
	select {
	case c.sessionLost <- struct{}{}:
	default:
	}
}

func (c *Client) withRetry(op func() error) error {
	var err error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		log.Warn("coordination store operation failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(100 * time.Millisecond)
	}
	return errors.Wrap(errs.ErrCoordUnavailable, err.Error())
}

// CreateEphemeral creates an ephemeral node at path with value data,
// owned by the given lease. It returns false with a nil error (without
// retry, since a lost create is meaningful, not transient) if the path
// already exists -- the caller uses that to detect "someone already
// holds this role".
func (c *Client) CreateEphemeral(ctx context.Context, path string, data []byte, leaseID clientv3.LeaseID) (bool, error) {
	resp, err := c.inner.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(path), "=", 0)).
		Then(clientv3.OpPut(path, string(data), clientv3.WithLease(leaseID))).
		Commit()
	if err != nil {
		return false, errors.Wrap(errs.ErrCoordUnavailable, err.Error())
	}
	return resp.Succeeded, nil
}

// GrantLease creates a new lease with the given TTL and starts its
// keepalive stream, signalling c's SessionLost channel if keepalive
// ever terminates (expiry or unrecoverable error).
func (c *Client) GrantLease(ctx context.Context, ttl time.Duration) (clientv3.LeaseID, <-chan *clientv3.LeaseKeepAliveResponse, error) {
	resp, err := c.inner.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return 0, nil, errors.Wrap(errs.ErrCoordUnavailable, err.Error())
	}
	ch, err := c.inner.KeepAlive(ctx, resp.ID)
	if err != nil {
		return 0, nil, errors.Wrap(errs.ErrCoordUnavailable, err.Error())
	}
	out := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		defer close(out)
		for ka := range ch {
			out <- ka
		}
		// Channel closed: keepalive stopped, which only happens on
		// lease expiry, context cancellation, or a dead connection.
		c.markSessionLost()
	}()
	return resp.ID, out, nil
}

// Read fetches the value and mod-revision at path. Returns (nil, 0,
// nil) if the path does not exist.
func (c *Client) Read(ctx context.Context, path string) ([]byte, int64, error) {
	var resp *clientv3.GetResponse
	err := c.withRetry(func() error {
		var err error
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		resp, err = c.inner.Get(ctx, path)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, nil
	}
	return resp.Kvs[0].Value, resp.Kvs[0].ModRevision, nil
}

// List returns the full keys of every node under the given prefix, at
// any depth (not only the immediate children).
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	var resp *clientv3.GetResponse
	err := c.withRetry(func() error {
		var err error
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		resp, err = c.inner.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
		return err
	})
	if err != nil {
		return nil, err
	}
	children := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		children = append(children, string(kv.Key))
	}
	return children, nil
}

// Put writes a durable (non-ephemeral) key, used for the few
// coordination-store flags the master owns (e.g. /hbase/shutdown).
func (c *Client) Put(ctx context.Context, path string, data []byte) error {
	return c.withRetry(func() error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		_, err := c.inner.Put(ctx, path, string(data))
		return err
	})
}

// Delete removes a key.
func (c *Client) Delete(ctx context.Context, path string) error {
	return c.withRetry(func() error {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		_, err := c.inner.Delete(ctx, path)
		return err
	})
}

// WatchEvent is a single change observed on a watched path.
type WatchEvent struct {
	Path    string
	Deleted bool
	Value   []byte
}

// Watch streams changes to path (and, if prefix is true, everything
// under it) starting at the given revision until ctx is cancelled.
func (c *Client) Watch(ctx context.Context, path string, fromRevision int64, prefix bool) <-chan WatchEvent {
	out := make(chan WatchEvent)
	opts := []clientv3.OpOption{clientv3.WithRev(fromRevision)}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}
	go func() {
		defer close(out)
		rch := c.inner.Watch(ctx, path, opts...)
		for wresp := range rch {
			if wresp.Canceled {
				return
			}
			for _, ev := range wresp.Events {
				out <- WatchEvent{
					Path:    string(ev.Kv.Key),
					Deleted: ev.Type == clientv3.EventTypeDelete,
					Value:   ev.Kv.Value,
				}
			}
		}
	}()
	return out
}
