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

// Package rpcapi is the external contract of the master (spec.md §6):
// a master-facing surface for clients/admin tools and a region-server-
// facing surface for startup/heartbeat. The wire transport (gRPC,
// HTTP, whatever) is out of scope; these are the Go method contracts a
// transport layer would marshal onto, following the teacher's split
// between server.go's Server methods and the generated protobuf
// service stubs that merely call into them.
package rpcapi

import (
	"context"

	"github.com/coregrid/master/server/errs"
	"github.com/coregrid/master/server/masterloop"
	"github.com/coregrid/master/server/queue"
	"github.com/coregrid/master/server/region"
	"github.com/coregrid/master/server/registry"
	"github.com/coregrid/master/server/tableops"
)

// MasterAPI is the client/admin-facing surface.
type MasterAPI struct {
	loop *masterloop.Loop
}

// NewMasterAPI builds a MasterAPI bound to loop.
func NewMasterAPI(loop *masterloop.Loop) *MasterAPI {
	return &MasterAPI{loop: loop}
}

// IsMasterRunning reports whether this process is the active,
// not-yet-shutting-down master.
func (m *MasterAPI) IsMasterRunning() bool {
	return m.loop.IsMasterRunning()
}

func (m *MasterAPI) requireRunning() error {
	if !m.loop.IsMasterRunning() {
		return errs.ErrMasterNotRunning
	}
	return nil
}

// enqueueAdmin submits an admin OperationItem and blocks for its
// terminal result, the synchronous-RPC-over-an-async-queue pattern
// named in spec.md §9.
func (m *MasterAPI) enqueueAdmin(ctx context.Context, kind queue.AdminKind, args interface{}) error {
	if err := m.requireRunning(); err != nil {
		return err
	}
	item := &queue.Item{Kind: queue.KindAdminAction, AdminKind: kind, AdminArgs: args, Done: make(chan struct{})}
	m.loop.Queue().Enqueue(item)
	result, err := queue.Wait(ctx, item)
	if err != nil {
		return err
	}
	if result == queue.Failed {
		return item.Err
	}
	return nil
}

// CreateTableArgs groups create_table's parameters (spec.md §4.9).
type CreateTableArgs struct {
	TableName string
	Schema    region.Schema
	SplitKeys [][]byte
}

// CreateTable creates tableName with the given schema and initial
// split points.
func (m *MasterAPI) CreateTable(ctx context.Context, args CreateTableArgs) error {
	return m.enqueueAdmin(ctx, queue.AdminCreateTable, queue.CreateTableArgs{
		Table:     args.TableName,
		Schema:    args.Schema,
		SplitKeys: args.SplitKeys,
	})
}

// DeleteTable removes tableName and all of its regions.
func (m *MasterAPI) DeleteTable(ctx context.Context, tableName string) error {
	return m.enqueueAdmin(ctx, queue.AdminDeleteTable, tableName)
}

// EnableTable re-admits tableName's regions for assignment.
func (m *MasterAPI) EnableTable(ctx context.Context, tableName string) error {
	return m.enqueueAdmin(ctx, queue.AdminEnableTable, tableName)
}

// DisableTable takes tableName's regions offline.
func (m *MasterAPI) DisableTable(ctx context.Context, tableName string) error {
	return m.enqueueAdmin(ctx, queue.AdminDisableTable, tableName)
}

// AlterTableArgs groups alter_table's parameters.
type AlterTableArgs struct {
	TableName string
	Request   tableops.AlterRequest
}

// AlterTable applies a schema change to tableName.
func (m *MasterAPI) AlterTable(ctx context.Context, args AlterTableArgs) error {
	return m.enqueueAdmin(ctx, queue.AdminAlterTable, queue.AlterTableArgs{
		Table:   args.TableName,
		Request: args.Request,
	})
}

// GetAlterStatus reports (pending, total) for tableName's most recent
// Alter; read-only, so it bypasses the queue.
func (m *MasterAPI) GetAlterStatus(tableName string) (pending, total int) {
	return m.loop.Ops().GetAlterStatus(tableName)
}

// adminKindFor maps a tableops.ModifyKind onto the corresponding
// queue.AdminKind, since modify_table's seven actions share the
// ModifyRequest payload type but are still distinguished at the queue
// level for logging/metrics (spec.md §9 tagged-variant note).
func adminKindFor(k tableops.ModifyKind) queue.AdminKind {
	switch k {
	case tableops.ModifySplit:
		return queue.AdminSplit
	case tableops.ModifyCompact:
		return queue.AdminCompact
	case tableops.ModifyMajorCompact:
		return queue.AdminMajorCompact
	case tableops.ModifyFlush:
		return queue.AdminFlush
	case tableops.ModifyExplicitSplit:
		return queue.AdminExplicitSplit
	case tableops.ModifyMoveRegion:
		return queue.AdminMoveRegion
	default:
		return queue.AdminCloseRegion
	}
}

// ModifyTable dispatches one modify_table admin action (spec.md §4.9).
func (m *MasterAPI) ModifyTable(ctx context.Context, req tableops.ModifyRequest) error {
	return m.enqueueAdmin(ctx, adminKindFor(req.Kind), req)
}

// ClusterStatus is the snapshot returned by get_cluster_status
// (spec.md §6): live servers, regions in transition, and basic load
// statistics, mirroring server/cluster.go's collectMetrics() shape in
// the teacher.
type ClusterStatus struct {
	MasterRunning   bool
	LiveServers     int
	RegionsTotal    int
	RegionsInTransit int
	AverageLoad     float64
}

// GetClusterStatus assembles a ClusterStatus snapshot; read-only.
func (m *MasterAPI) GetClusterStatus() ClusterStatus {
	live := m.loop.Registry().Live()
	inTransit := m.loop.Assignment().InTransition()
	return ClusterStatus{
		MasterRunning:    m.loop.IsMasterRunning(),
		LiveServers:      len(live),
		RegionsTotal:     m.loop.Assignment().Len(),
		RegionsInTransit: len(inTransit),
		AverageLoad:      m.loop.Registry().AverageLoad(),
	}
}

// Shutdown requests a graceful, cluster-wide shutdown: no more
// assignments, region servers drain, this master resigns once drained
// (spec.md §9 REDESIGN FLAG).
func (m *MasterAPI) Shutdown() {
	m.loop.Shutdown()
}

// StopMaster resigns this process's leadership immediately, without
// draining the cluster, so a standby can take over -- distinct from
// Shutdown, which drains the whole cluster (spec.md §6).
func (m *MasterAPI) StopMaster() {
	m.loop.StepDown()
}

// RegionServerAPI is the region-server-facing surface: startup
// registration and periodic heartbeat reports.
type RegionServerAPI struct {
	loop *masterloop.Loop
}

// NewRegionServerAPI builds a RegionServerAPI bound to loop.
func NewRegionServerAPI(loop *masterloop.Loop) *RegionServerAPI {
	return &RegionServerAPI{loop: loop}
}

// StartupArgs is what a region server presents on startup.
type StartupArgs struct {
	HostPort           string
	StartCode          int64
	IsFailoverRecovery bool
}

// Startup registers a region server, triggering log-split recovery of
// any prior incarnation at the same host:port (spec.md §4.3).
func (rs *RegionServerAPI) Startup(args StartupArgs) (reincarnatedOf string, err error) {
	info := &registry.ServerInfo{HostPort: args.HostPort, StartCode: args.StartCode}
	reincarnatedOf = rs.loop.Registry().RecordStartup(info, args.IsFailoverRecovery)
	rs.loop.Queue().Enqueue(&queue.Item{
		Kind:           queue.KindProcessServerStartup,
		ServerName:     info.Name(),
		ReincarnatedOf: reincarnatedOf,
	})
	return reincarnatedOf, nil
}

// ReportArgs is one heartbeat from a region server: its current load
// and the region IDs it holds.
type ReportArgs struct {
	ServerName string
	Load       registry.Load
	RegionIDs  []uint64
}

// Report records a heartbeat and returns any directives queued for
// this server since its previous report (spec.md §4.3). It also marks
// the server as seen by the locality oracle, so a server that keeps
// reporting never has its preferred-placement claim treated as
// forfeited (spec.md §4.6's hold_for_locality_period check).
func (rs *RegionServerAPI) Report(args ReportArgs) []registry.Directive {
	rs.loop.Oracle().Touch(args.ServerName)
	return rs.loop.Registry().RecordReport(args.ServerName, args.Load, args.RegionIDs)
}

// ReportRegionOpened notifies the master that a PENDING_OPEN region
// finished opening.
func (rs *RegionServerAPI) ReportRegionOpened(regionID uint64) {
	rs.loop.Queue().Enqueue(&queue.Item{Kind: queue.KindProcessRegionOpened, RegionID: regionID})
}

// ReportRegionClosed notifies the master that a PENDING_CLOSE region
// finished closing.
func (rs *RegionServerAPI) ReportRegionClosed(regionID uint64) {
	rs.loop.Queue().Enqueue(&queue.Item{Kind: queue.KindProcessRegionClosed, RegionID: regionID})
}

// ReportRegionSplit notifies the master that parentID split into the
// given daughter regions.
func (rs *RegionServerAPI) ReportRegionSplit(parentID uint64, daughters []*region.Region) {
	rs.loop.Queue().Enqueue(&queue.Item{Kind: queue.KindProcessRegionSplit, ParentRegionID: parentID, Daughters: daughters})
}
