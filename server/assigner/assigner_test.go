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

package assigner

import (
	"testing"
	"time"

	"github.com/coregrid/master/server/assignment"
	"github.com/coregrid/master/server/region"
	"github.com/coregrid/master/server/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig() Config {
	return Config{
		ApplyPreferredPeriod:  5 * time.Minute,
		HoldForLocalityPeriod: time.Minute,
		AssignmentTimeout:     30 * time.Second,
		MaxDirectivesPerTick:  100,
	}
}

func TestAssignPendingPicksLightestServer(t *testing.T) {
	now := time.Now()
	a := New(newTestConfig(), now)

	reg := registry.New(time.Hour, nil)
	reg.RecordStartup(&registry.ServerInfo{HostPort: "heavy:1", StartCode: 1, Load: registry.Load{RegionCount: 10}}, false)
	reg.RecordStartup(&registry.ServerInfo{HostPort: "light:1", StartCode: 1, Load: registry.Load{RegionCount: 1}}, false)

	tbl := assignment.New()
	tbl.Put(&region.Region{ID: 1, TableName: "user_table"})

	a.AssignPending(tbl, reg, nil, nil, now)

	e := tbl.Get(1)
	require.NotNil(t, e)
	assert.Equal(t, assignment.StatePendingOpen, e.State)
	assert.Equal(t, "light:1,1", e.TargetServer)
}

func TestAssignPendingNoLiveServersIsNoop(t *testing.T) {
	a := New(newTestConfig(), time.Now())
	reg := registry.New(time.Hour, nil)
	tbl := assignment.New()
	tbl.Put(&region.Region{ID: 1, TableName: "user_table"})

	a.AssignPending(tbl, reg, nil, nil, time.Now())

	assert.Equal(t, assignment.StateUnassigned, tbl.Get(1).State)
}

func TestAssignPendingSkipsDrainingServers(t *testing.T) {
	a := New(newTestConfig(), time.Now())
	reg := registry.New(time.Hour, nil)
	reg.RecordStartup(&registry.ServerInfo{HostPort: "draining:1", StartCode: 1}, false)
	reg.BeginDrain()

	tbl := assignment.New()
	tbl.Put(&region.Region{ID: 1, TableName: "user_table"})

	a.AssignPending(tbl, reg, nil, nil, time.Now())

	assert.Equal(t, assignment.StateUnassigned, tbl.Get(1).State)
}

func TestAssignPendingHonorsBackoff(t *testing.T) {
	now := time.Now()
	cfg := newTestConfig()
	a := New(cfg, now)
	reg := registry.New(time.Hour, nil)
	reg.RecordStartup(&registry.ServerInfo{HostPort: "s1:1", StartCode: 1}, false)

	tbl := assignment.New()
	tbl.Put(&region.Region{ID: 1, TableName: "user_table"})
	require.NoError(t, tbl.SetState(1, assignment.StatePendingOpen, "s1:1,1"))
	tbl.ClearInTransition(1) // Attempts=1, SinceTS=now

	a.AssignPending(tbl, reg, nil, nil, now)
	assert.Equal(t, assignment.StateUnassigned, tbl.Get(1).State, "should still be backing off")

	later := now.Add(cfg.AssignmentTimeout * 3)
	a.AssignPending(tbl, reg, nil, nil, later)
	assert.Equal(t, assignment.StatePendingOpen, tbl.Get(1).State, "backoff should have elapsed")
}

func TestReapTimedOutAssignmentsRevertsStale(t *testing.T) {
	now := time.Now()
	cfg := newTestConfig()
	a := New(cfg, now)

	tbl := assignment.New()
	tbl.Put(&region.Region{ID: 1, TableName: "user_table"})
	require.NoError(t, tbl.SetState(1, assignment.StatePendingOpen, "s1"))

	// Not yet timed out.
	reverted := a.ReapTimedOutAssignments(tbl, now.Add(time.Second))
	assert.Empty(t, reverted)

	// Timed out.
	reverted = a.ReapTimedOutAssignments(tbl, now.Add(cfg.AssignmentTimeout*2))
	require.Len(t, reverted, 1)
	assert.Equal(t, uint64(1), reverted[0])
	assert.Equal(t, assignment.StateUnassigned, tbl.Get(1).State)
	assert.Equal(t, 1, tbl.Get(1).Attempts)
}

func TestReapTimedOutAssignmentsIgnoresOpenRegions(t *testing.T) {
	now := time.Now()
	a := New(newTestConfig(), now)
	tbl := assignment.New()
	tbl.Put(&region.Region{ID: 1, TableName: "user_table"})
	require.NoError(t, tbl.SetState(1, assignment.StatePendingOpen, "s1"))
	require.NoError(t, tbl.SetState(1, assignment.StateOpen, "s1"))

	reverted := a.ReapTimedOutAssignments(tbl, now.Add(time.Hour))
	assert.Empty(t, reverted)
}

func TestAssignPendingPrefersCatalogRegionsByLoadRegardlessOfWindow(t *testing.T) {
	now := time.Now()
	cfg := newTestConfig()
	cfg.ApplyPreferredPeriod = 0 // window already lapsed
	a := New(cfg, now)

	reg := registry.New(time.Hour, nil)
	reg.RecordStartup(&registry.ServerInfo{HostPort: "s1:1", StartCode: 1}, false)

	tbl := assignment.New()
	tbl.Put(&region.Region{ID: 1, TableName: region.RootTableName})

	a.AssignPending(tbl, reg, nil, nil, now.Add(time.Hour))

	assert.Equal(t, assignment.StatePendingOpen, tbl.Get(1).State)
}
