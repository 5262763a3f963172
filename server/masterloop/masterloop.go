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

// Package masterloop wires every collaborator (election, registry,
// assignment table, queue, assigner, locality oracle, log splitter,
// table ops) into the single control loop that is the master's only
// mutator of shared state (spec.md §5, §9).
package masterloop

import (
	"context"
	"os"
	"path"
	"sync/atomic"
	"time"

	"github.com/coregrid/master/server/assigner"
	"github.com/coregrid/master/server/assignment"
	"github.com/coregrid/master/server/config"
	"github.com/coregrid/master/server/coord"
	"github.com/coregrid/master/server/dfs"
	"github.com/coregrid/master/server/errs"
	"github.com/coregrid/master/server/locality"
	"github.com/coregrid/master/server/logsplit"
	"github.com/coregrid/master/server/member"
	"github.com/coregrid/master/server/metrics"
	"github.com/coregrid/master/server/queue"
	"github.com/coregrid/master/server/region"
	"github.com/coregrid/master/server/registry"
	"github.com/coregrid/master/server/tableops"
	"github.com/coregrid/master/server/version"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Loop owns every piece of master state and runs the single consumer
// goroutine that is allowed to mutate it.
type Loop struct {
	cfg   *config.Config
	coord *coord.Client
	elec  *member.Election
	fs    dfs.FS

	reg      *registry.Registry
	assign   *assignment.Table
	queue    *queue.Queue
	assigner *assigner.Assigner
	oracle   *locality.Oracle
	ops      *tableops.Ops
	splitter *logsplit.Driver

	startTS time.Time

	nextRegionID uint64

	shuttingDown int32 // atomic bool, set by Shutdown
	drained      chan struct{}

	resign func()
}

// New wires every collaborator together. split is the external WAL
// split algorithm (pass nil outside of tests to use a no-op stub); the
// real algorithm is out of scope (spec.md §1).
func New(cfg *config.Config, coordClient *coord.Client, fs dfs.FS, split logsplit.SplitFunc) *Loop {
	now := time.Now()
	assignTable := assignment.New()

	l := &Loop{
		cfg:      cfg,
		coord:    coordClient,
		fs:       fs,
		assign:   assignTable,
		queue:    queue.New(4096),
		oracle:   locality.New(path.Join(os.TempDir(), "regionLocality-snapshot"), config.Seconds(cfg.SnapshotValidity), cfg.LocalityPoolSize, nil),
		splitter: logsplit.New(fs, cfg.RootDir, split),
		startTS:  now,
		drained:  make(chan struct{}),
	}
	l.assigner = assigner.New(assigner.Config{
		ApplyPreferredPeriod:  config.Seconds(cfg.ApplyPreferredPeriod),
		HoldForLocalityPeriod: config.Seconds(cfg.HoldForLocalityPeriod),
		AssignmentTimeout:     config.Seconds(cfg.AssignmentTimeout),
	}, now)
	l.ops = tableops.New(assignTable, l.allocRegionID, cfg.NumRetries, config.Seconds(cfg.SleepInterval), cfg.AlterThrottle)
	l.reg = registry.New(config.Seconds(cfg.RSLeaseTimeout), l.onServerDeath)
	l.elec = member.New(coordClient, cfg.RootPath, cfg.RPCAddr, cfg.Backup, config.Seconds(cfg.SessionTimeout))
	return l
}

func (l *Loop) allocRegionID() uint64 {
	return atomic.AddUint64(&l.nextRegionID, 1)
}

// IsMasterRunning reports whether this process currently holds
// leadership and has not begun shutting down (spec.md §6
// is_master_running).
func (l *Loop) IsMasterRunning() bool {
	return l.elec.IsLeader() && atomic.LoadInt32(&l.shuttingDown) == 0
}

// Registry, Assignment, Queue, Ops, Oracle expose the collaborators
// RPC handlers need read access to or enqueue work through.
func (l *Loop) Registry() *registry.Registry  { return l.reg }
func (l *Loop) Assignment() *assignment.Table { return l.assign }
func (l *Loop) Queue() *queue.Queue           { return l.queue }
func (l *Loop) Ops() *tableops.Ops            { return l.ops }
func (l *Loop) Oracle() *locality.Oracle      { return l.oracle }

// Run campaigns for leadership, bootstraps (fresh cluster or
// failover), then drives the control loop until ctx is cancelled or
// leadership is lost. It returns when this process is no longer
// master.
func (l *Loop) Run(ctx context.Context) error {
	lost, resign, err := l.elec.Campaign(ctx)
	if err != nil {
		return errors.Wrap(err, "campaign for master")
	}
	l.resign = resign

	if err := version.Check(l.fs); err != nil {
		resign()
		return err
	}

	if err := l.bootstrap(ctx); err != nil {
		resign()
		return errors.Wrap(err, "bootstrap")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.mainLoop(ctx)
	}()

	select {
	case <-lost:
		log.Warn("lost master leadership, stopping control loop")
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// bootstrap decides cluster-starter vs. failover and brings the root
// and META regions into the assignment table accordingly (spec.md
// §4.1). A cluster starter creates brand-new root/META regions and
// assigns them; a failover master assumes the regions already exist
// on disk and will be rediscovered as region servers start up and
// report, mirroring the teacher's "meta server already around"
// failover path rather than re-running table creation.
func (l *Loop) bootstrap(ctx context.Context) error {
	starter, err := member.IsClusterStarter(ctx, l.coord, l.cfg.RootPath)
	if err != nil {
		return err
	}
	if !starter {
		log.Info("failover master starting, reconstructing state from region server reports")
		return nil
	}

	log.Info("cluster starter, creating root and meta regions")
	rootSchema := region.Schema{TableName: region.RootTableName, Columns: []string{"info"}, Version: 1}
	metaSchema := region.Schema{TableName: region.MetaTableName, Columns: []string{"info"}, Version: 1}

	root := region.SplitKeys(region.RootTableName, rootSchema, nil, l.allocRegionID)
	meta := region.SplitKeys(region.MetaTableName, metaSchema, nil, l.allocRegionID)
	for _, r := range append(root, meta...) {
		l.assign.Put(r)
	}
	return nil
}

// mainLoop is the single consumer of the operation queue plus the
// periodic control-plane ticks: expire stale servers, reap timed-out
// assignment directives, and assign pending regions (spec.md §4.6,
// §4.7, §9).
func (l *Loop) mainLoop(ctx context.Context) {
	for {
		if atomic.LoadInt32(&l.shuttingDown) == 1 && l.reg.Len() == 0 {
			close(l.drained)
			l.finishShutdown()
			return
		}

		popCtx, cancel := context.WithTimeout(ctx, config.Seconds(l.cfg.ThreadWakeFrequency))
		item, ok := l.queue.Pop(popCtx)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if ok {
			l.processItem(item)
		}

		l.tick()
		metrics.QueueDepth.Set(float64(l.queue.Len()))
	}
}

// tick runs the periodic housekeeping that does not wait on any queue
// item: stale-server expiry, lost-directive reaping, and placing
// unassigned regions.
func (l *Loop) tick() {
	now := time.Now()
	l.reg.ExpireStale(now)
	reverted := l.assigner.ReapTimedOutAssignments(l.assign, now)
	metrics.AssignmentsReverted.Add(float64(len(reverted)))
	if atomic.LoadInt32(&l.shuttingDown) == 1 {
		return
	}
	safe, err := l.fs.SafeMode()
	if err != nil {
		log.Error("check_file_system failed", zap.Error(err))
		return
	}
	if safe {
		log.Warn("distributed file system is in safe mode, withholding new assignments")
		return
	}
	l.assigner.AssignPending(l.assign, l.reg, l.oracle, l.ops, now)
}

// processItem dispatches one OperationItem, matching it exhaustively
// on Kind (spec.md §4.7, §9). A handler's error leads to either a
// Requeue (transient) or a Failed terminal result once max_attempts is
// exhausted.
func (l *Loop) processItem(item *queue.Item) {
	var err error
	switch item.Kind {
	case queue.KindProcessServerStartup:
		// RecordStartup itself is cheap and safe from any caller, but the
		// queue item exists so log-split triggering for a reincarnated
		// server happens on the control thread, per spec.md §4.3.
		if item.ReincarnatedOf != "" {
			err = l.splitter.Recover(item.ReincarnatedOf)
		}
	case queue.KindProcessServerDeath:
		err = l.splitter.Recover(item.ServerName)
	case queue.KindProcessRegionSplit:
		err = l.handleRegionSplit(item)
	case queue.KindProcessRegionOpened:
		server := ""
		if e := l.assign.Get(item.RegionID); e != nil {
			server = e.TargetServer
		}
		err = l.assign.SetState(item.RegionID, assignment.StateOpen, server)
	case queue.KindProcessRegionClosed:
		err = l.handleRegionClosed(item)
	case queue.KindAdminAction:
		err = l.handleAdminAction(item)
	}

	if err == nil {
		queue.Finish(item, queue.Processed, nil)
		return
	}

	if item.Attempt >= l.maxAttempts() {
		metrics.QueueItemsFailed.Inc()
		queue.Finish(item, queue.Failed, err)
		log.Error("operation item exhausted retries", zap.Int("kind", int(item.Kind)), zap.Error(err))
		return
	}
	// Not terminal: record the outcome without closing Done, so a waiter
	// keeps blocking until the requeued item finishes.
	item.Result, item.Err = queue.RequeuedButProblem, err
	l.queue.Requeue(item)
}

func (l *Loop) maxAttempts() int {
	if l.cfg.MaxAttempts <= 0 {
		return 10
	}
	return l.cfg.MaxAttempts
}

// handleRegionSplit replaces a parent region's entry with its two
// daughters (already created by the region server and carried in the
// item as full Region identities), removing the parent from the
// assignment table. Put leaves each daughter UNASSIGNED, ready for the
// next AssignPending pass.
func (l *Loop) handleRegionSplit(item *queue.Item) error {
	l.assign.Remove(item.ParentRegionID)
	for _, d := range item.Daughters {
		l.assign.Put(d)
	}
	return nil
}

// handleRegionClosed advances a closed region either to UNASSIGNED
// (ready for reassignment, e.g. after a throttled-reopen close) or
// leaves it to the caller's prior OFFLINE transition, depending on
// which state requested the close. Freeing a region this way is also
// exactly when a throttled Alter's next batch can start, so it notifies
// tableops once the transition lands.
func (l *Loop) handleRegionClosed(item *queue.Item) error {
	e := l.assign.Get(item.RegionID)
	if e == nil {
		return errs.ErrIllegalAssignmentTransition
	}
	if e.State == assignment.StateOffline {
		return nil
	}
	if err := l.assign.SetState(item.RegionID, assignment.StateClosed, ""); err != nil {
		return err
	}
	if err := l.assign.SetState(item.RegionID, assignment.StateUnassigned, ""); err != nil {
		return err
	}
	l.ops.ContinueAlter(e.Region.TableName)
	return nil
}

// handleAdminAction dispatches one modify_table/DDL admin action,
// matching the tagged AdminKind exhaustively (spec.md §9 design note).
func (l *Loop) handleAdminAction(item *queue.Item) error {
	switch item.AdminKind {
	case queue.AdminCreateTable:
		args := item.AdminArgs.(queue.CreateTableArgs)
		ready := func() (bool, int) {
			live := l.reg.Len()
			if live < l.cfg.MinServers {
				return true, 0
			}
			return true, live
		}
		_, err := l.ops.Create(args.Table, args.Schema, args.SplitKeys, ready)
		return err
	case queue.AdminDeleteTable:
		return l.ops.Delete(item.AdminArgs.(string))
	case queue.AdminEnableTable:
		return l.ops.Enable(item.AdminArgs.(string))
	case queue.AdminDisableTable:
		return l.ops.Disable(item.AdminArgs.(string))
	case queue.AdminAlterTable:
		args := item.AdminArgs.(queue.AlterTableArgs)
		return l.ops.Alter(args.Table, args.Request)
	default:
		req := item.AdminArgs.(tableops.ModifyRequest)
		return l.ops.Modify(req, l.reg)
	}
}

// onServerDeath is Registry's onDeath callback: it enqueues WAL
// recovery of the dead server for the control loop and returns its
// orphaned regions to UNASSIGNED directly (spec.md §4.3, §4.8).
func (l *Loop) onServerDeath(name string, orphaned []uint64) {
	l.queue.Enqueue(&queue.Item{Kind: queue.KindProcessServerDeath, ServerName: name})
	for _, id := range orphaned {
		l.assign.ClearInTransition(id)
	}
}

// Shutdown begins the two-phase graceful shutdown named in spec.md
// §9's REDESIGN FLAG: it stops new assignments and signals every live
// region server to drain; the control loop finishes once the registry
// empties, at which point finishShutdown runs.
func (l *Loop) Shutdown() {
	atomic.StoreInt32(&l.shuttingDown, 1)
	l.reg.BeginDrain()
	if err := l.coord.Put(context.Background(), path.Join(l.cfg.RootPath, "shutdown"), nil); err != nil {
		log.Error("could not set cluster shutdown flag", zap.Error(err))
	}
	log.Info("master shutdown requested, draining region servers")
}

// ShutdownComplete reports whether the drain finished and the control
// loop has exited.
func (l *Loop) ShutdownComplete() <-chan struct{} {
	return l.drained
}

// StepDown resigns this process's leadership immediately without
// draining the cluster, so a standby master can take over right away
// (spec.md §6 stop_master) -- distinct from the cluster-wide drain
// Shutdown performs.
func (l *Loop) StepDown() {
	atomic.StoreInt32(&l.shuttingDown, 1)
	if l.resign != nil {
		l.resign()
	}
}

func (l *Loop) finishShutdown() {
	log.Info("all region servers drained, releasing master lock")
	if l.resign != nil {
		l.resign()
	}
}
