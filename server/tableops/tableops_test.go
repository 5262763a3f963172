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

package tableops

import (
	"testing"
	"time"

	"github.com/coregrid/master/server/assignment"
	"github.com/coregrid/master/server/errs"
	"github.com/coregrid/master/server/region"
	"github.com/coregrid/master/server/registry"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOps(tbl *assignment.Table) *Ops {
	var id uint64 = 100
	return New(tbl, func() uint64 { id++; return id }, 2, time.Millisecond, 2)
}

func alwaysReady() (bool, int) { return true, 1 }

func TestCreateTable(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)

	regions, err := ops.Create("t1", region.Schema{TableName: "t1", Columns: []string{"info"}}, nil, alwaysReady)
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, 1, tbl.Len())
}

func TestCreateTableAlreadyExists(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	_, err := ops.Create("t1", region.Schema{TableName: "t1"}, nil, alwaysReady)
	require.NoError(t, err)

	_, err = ops.Create("t1", region.Schema{TableName: "t1"}, nil, alwaysReady)
	assert.Equal(t, errs.ErrTableExists, err)
}

func TestCreateTableNotReadyRetriesThenFails(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)

	attempts := 0
	neverReady := func() (bool, int) {
		attempts++
		return false, 0
	}

	_, err := ops.Create("t1", region.Schema{TableName: "t1"}, nil, neverReady)
	assert.Error(t, err)
	assert.Equal(t, errs.ErrNotReady, errors.Cause(err))
	assert.Equal(t, 3, attempts) // numRetries=2 means 3 total attempts
}

func TestDeleteTable(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	_, err := ops.Create("t1", region.Schema{TableName: "t1"}, [][]byte{[]byte("m")}, alwaysReady)
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())

	require.NoError(t, ops.Delete("t1"))
	assert.Equal(t, 0, tbl.Len())
}

func TestDeleteTableNotFound(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	assert.Equal(t, errs.ErrTableNotFound, ops.Delete("missing"))
}

func TestDeleteProtectedTable(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	assert.Equal(t, errs.ErrProtectedTable, ops.Delete(region.RootTableName))
	assert.Equal(t, errs.ErrProtectedTable, ops.Delete(region.MetaTableName))
}

func TestDisableThenEnable(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	_, err := ops.Create("t1", region.Schema{TableName: "t1"}, nil, alwaysReady)
	require.NoError(t, err)

	require.NoError(t, ops.Disable("t1"))
	for _, e := range tbl.TableRegions("t1") {
		assert.Equal(t, assignment.StateOffline, e.State)
	}

	require.NoError(t, ops.Enable("t1"))
	for _, e := range tbl.TableRegions("t1") {
		assert.Equal(t, assignment.StateUnassigned, e.State)
	}
}

func TestDisableProtectedTable(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	assert.Equal(t, errs.ErrProtectedTable, ops.Disable(region.MetaTableName))
}

func TestAlterAndGetAlterStatus(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	_, err := ops.Create("t1", region.Schema{TableName: "t1", Columns: []string{"info"}}, [][]byte{[]byte("m")}, alwaysReady)
	require.NoError(t, err)

	// Regions start UNASSIGNED; Alter only reopens OPEN regions, so move
	// both to OPEN first to exercise the throttled-reopen path.
	for _, e := range tbl.TableRegions("t1") {
		require.NoError(t, tbl.SetState(e.Region.ID, assignment.StatePendingOpen, "s1"))
		require.NoError(t, tbl.SetState(e.Region.ID, assignment.StateOpen, "s1"))
	}

	require.NoError(t, ops.Alter("t1", AlterRequest{Adds: []string{"extra"}}))

	pending, total := ops.GetAlterStatus("t1")
	assert.Equal(t, 2, total)
	assert.Equal(t, 2, pending) // both moved to PENDING_CLOSE by throttledReopen
}

func TestAlterThrottlesReopenBatch(t *testing.T) {
	tbl := assignment.New()
	ops := New(tbl, func() func() uint64 {
		var id uint64 = 200
		return func() uint64 { id++; return id }
	}(), 2, time.Millisecond, 1) // alterThrottle = 1

	_, err := ops.Create("t1", region.Schema{TableName: "t1"}, [][]byte{[]byte("m")}, alwaysReady)
	require.NoError(t, err)
	for _, e := range tbl.TableRegions("t1") {
		require.NoError(t, tbl.SetState(e.Region.ID, assignment.StatePendingOpen, "s1"))
		require.NoError(t, tbl.SetState(e.Region.ID, assignment.StateOpen, "s1"))
	}

	require.NoError(t, ops.Alter("t1", AlterRequest{}))

	pendingClose := 0
	for _, e := range tbl.TableRegions("t1") {
		if e.State == assignment.StatePendingClose {
			pendingClose++
		}
	}
	assert.Equal(t, 1, pendingClose, "alterThrottle=1 should only reopen one region at a time")
}

func TestContinueAlterStartsNextBatchOnceARegionClosesAndUnassigns(t *testing.T) {
	tbl := assignment.New()
	ops := New(tbl, func() func() uint64 {
		var id uint64 = 300
		return func() uint64 { id++; return id }
	}(), 2, time.Millisecond, 1) // alterThrottle = 1

	_, err := ops.Create("t1", region.Schema{TableName: "t1"}, [][]byte{[]byte("m"), []byte("z")}, alwaysReady)
	require.NoError(t, err)
	for _, e := range tbl.TableRegions("t1") {
		require.NoError(t, tbl.SetState(e.Region.ID, assignment.StatePendingOpen, "s1"))
		require.NoError(t, tbl.SetState(e.Region.ID, assignment.StateOpen, "s1"))
	}
	require.Len(t, tbl.TableRegions("t1"), 3)

	require.NoError(t, ops.Alter("t1", AlterRequest{}))

	firstBatch := pendingCloseRegions(tbl, "t1")
	require.Len(t, firstBatch, 1, "alterThrottle=1 should only reopen one region at a time")

	// Simulate the control loop's handleRegionClosed: the region server
	// reports the close, it transitions PENDING_CLOSE -> CLOSED ->
	// UNASSIGNED, and the loop notifies tableops.
	require.NoError(t, tbl.SetState(firstBatch[0], assignment.StateClosed, ""))
	require.NoError(t, tbl.SetState(firstBatch[0], assignment.StateUnassigned, ""))
	ops.ContinueAlter("t1")

	secondBatch := pendingCloseRegions(tbl, "t1")
	require.Len(t, secondBatch, 1, "freeing one throttle slot should start exactly one more region")
	assert.NotEqual(t, firstBatch[0], secondBatch[0])

	pending, total := ops.GetAlterStatus("t1")
	assert.Equal(t, 3, total)
	assert.Equal(t, 3, pending, "first region is UNASSIGNED (not yet reopened), second is PENDING_CLOSE, third untouched")
}

func TestContinueAlterNoopWithoutInFlightAlter(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	ops.ContinueAlter("never-altered") // must not panic
}

func pendingCloseRegions(tbl *assignment.Table, tableName string) []uint64 {
	var ids []uint64
	for _, e := range tbl.TableRegions(tableName) {
		if e.State == assignment.StatePendingClose {
			ids = append(ids, e.Region.ID)
		}
	}
	return ids
}

func TestGetAlterStatusUnknownTable(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	pending, total := ops.GetAlterStatus("never-altered")
	assert.Equal(t, 0, pending)
	assert.Equal(t, 0, total)
}

func TestModifyCloseRegion(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	tbl.Put(&region.Region{ID: 1, TableName: "t1"})
	require.NoError(t, tbl.SetState(1, assignment.StatePendingOpen, "s1"))
	require.NoError(t, tbl.SetState(1, assignment.StateOpen, "s1"))

	reg := registry.New(time.Hour, nil)
	reg.RecordStartup(&registry.ServerInfo{HostPort: "s1", StartCode: 0}, false)

	require.NoError(t, ops.Modify(ModifyRequest{Kind: ModifyCloseRegion, RegionID: 1}, reg))
	assert.Equal(t, assignment.StatePendingClose, tbl.Get(1).State)
}

func TestModifyExplicitSplitRejectsBoundaryPoint(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	tbl.Put(&region.Region{ID: 1, TableName: "t1", StartKey: []byte("m")})
	require.NoError(t, tbl.SetState(1, assignment.StatePendingOpen, "s1"))
	require.NoError(t, tbl.SetState(1, assignment.StateOpen, "s1"))

	reg := registry.New(time.Hour, nil)
	err := ops.Modify(ModifyRequest{Kind: ModifyExplicitSplit, RegionID: 1, SplitPoint: []byte("m")}, reg)
	assert.Equal(t, errs.ErrInvalidSplitPoint, err)
}

func TestModifyMoveRegionRecordsOneShotPreference(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	tbl.Put(&region.Region{ID: 42, TableName: "t1"})
	require.NoError(t, tbl.SetState(42, assignment.StatePendingOpen, "s1"))
	require.NoError(t, tbl.SetState(42, assignment.StateOpen, "s1"))

	reg := registry.New(time.Hour, nil)
	require.NoError(t, ops.Modify(ModifyRequest{Kind: ModifyMoveRegion, RegionID: 42, TargetHost: "s2"}, reg))

	host, ok := ops.PeekOneShotPreference(42)
	require.True(t, ok)
	assert.Equal(t, "s2", host)
	ops.ConsumeOneShotPreference(42)
	_, ok = ops.PeekOneShotPreference(42)
	assert.False(t, ok)
}

func TestModifyUnknownRegion(t *testing.T) {
	tbl := assignment.New()
	ops := newTestOps(tbl)
	reg := registry.New(time.Hour, nil)
	err := ops.Modify(ModifyRequest{Kind: ModifyCompact, RegionID: 999}, reg)
	assert.Equal(t, errs.ErrIllegalAssignmentTransition, err)
}
