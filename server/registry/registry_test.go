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

package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStartupAndGet(t *testing.T) {
	r := New(time.Minute, nil)
	info := &ServerInfo{HostPort: "h1:1000", StartCode: 1}
	reincarnatedOf := r.RecordStartup(info, false)

	assert.Empty(t, reincarnatedOf)
	got := r.Get(info.Name())
	require.NotNil(t, got)
	assert.Equal(t, "h1:1000", got.HostPort)
}

func TestRecordStartupDetectsReincarnation(t *testing.T) {
	r := New(time.Minute, nil)
	first := &ServerInfo{HostPort: "h1:1000", StartCode: 1}
	r.RecordStartup(first, false)

	second := &ServerInfo{HostPort: "h1:1000", StartCode: 2}
	reincarnatedOf := r.RecordStartup(second, false)

	assert.Equal(t, first.Name(), reincarnatedOf)
	assert.Nil(t, r.Get(first.Name()))
	assert.NotNil(t, r.Get(second.Name()))
}

func TestRecordReportUpdatesLoadAndReturnsDirectives(t *testing.T) {
	r := New(time.Minute, nil)
	info := &ServerInfo{HostPort: "h1:1000", StartCode: 1}
	r.RecordStartup(info, false)
	name := info.Name()

	r.QueueDirective(name, Directive{Kind: DirectiveOpenRegion, RegionID: 7})

	directives := r.RecordReport(name, Load{RegionCount: 3}, []uint64{7})
	require.Len(t, directives, 1)
	assert.Equal(t, uint64(7), directives[0].RegionID)

	got := r.Get(name)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.Load.RegionCount)

	// Directives are drained once delivered.
	assert.Empty(t, r.RecordReport(name, Load{}, nil))
}

func TestRecordReportUnknownServerReturnsNil(t *testing.T) {
	r := New(time.Minute, nil)
	assert.Nil(t, r.RecordReport("ghost", Load{}, nil))
}

func TestLiveOrderedByLoadAscending(t *testing.T) {
	r := New(time.Minute, nil)
	a := &ServerInfo{HostPort: "a:1", StartCode: 1, Load: Load{RegionCount: 5}}
	b := &ServerInfo{HostPort: "b:1", StartCode: 1, Load: Load{RegionCount: 1}}
	c := &ServerInfo{HostPort: "c:1", StartCode: 1, Load: Load{RegionCount: 3}}
	r.RecordStartup(a, false)
	r.RecordStartup(b, false)
	r.RecordStartup(c, false)

	live := r.Live()
	require.Len(t, live, 3)
	assert.Equal(t, "b:1,1", live[0].Name())
	assert.Equal(t, "c:1,1", live[1].Name())
	assert.Equal(t, "a:1,1", live[2].Name())
}

func TestLiveReordersAfterReport(t *testing.T) {
	r := New(time.Minute, nil)
	a := &ServerInfo{HostPort: "a:1", StartCode: 1, Load: Load{RegionCount: 1}}
	b := &ServerInfo{HostPort: "b:1", StartCode: 1, Load: Load{RegionCount: 2}}
	r.RecordStartup(a, false)
	r.RecordStartup(b, false)

	r.RecordReport(a.Name(), Load{RegionCount: 10}, nil)

	live := r.Live()
	require.Len(t, live, 2)
	assert.Equal(t, "b:1,1", live[0].Name())
	assert.Equal(t, "a:1,1", live[1].Name())
}

func TestLightServers(t *testing.T) {
	r := New(time.Minute, nil)
	r.RecordStartup(&ServerInfo{HostPort: "a:1", StartCode: 1, Load: Load{RegionCount: 1}}, false)
	r.RecordStartup(&ServerInfo{HostPort: "b:1", StartCode: 1, Load: Load{RegionCount: 5}}, false)

	light := r.LightServers(2)
	require.Len(t, light, 1)
	assert.Equal(t, "a:1,1", light[0].Name())
}

func TestAverageLoad(t *testing.T) {
	r := New(time.Minute, nil)
	r.RecordStartup(&ServerInfo{HostPort: "a:1", StartCode: 1, Load: Load{RegionCount: 2}}, false)
	r.RecordStartup(&ServerInfo{HostPort: "b:1", StartCode: 1, Load: Load{RegionCount: 4}}, false)

	assert.Equal(t, 3.0, r.AverageLoad())
}

func TestAverageLoadEmptyRegistry(t *testing.T) {
	r := New(time.Minute, nil)
	assert.Equal(t, 0.0, r.AverageLoad())
}

func TestExpireStaleInvokesOnDeathWithOrphans(t *testing.T) {
	var deadName string
	var orphaned []uint64
	r := New(10*time.Millisecond, func(name string, regions []uint64) {
		deadName = name
		orphaned = regions
	})

	info := &ServerInfo{HostPort: "a:1", StartCode: 1}
	r.RecordStartup(info, false)
	r.RecordReport(info.Name(), Load{}, []uint64{10, 11})

	time.Sleep(20 * time.Millisecond)
	dead := r.ExpireStale(time.Now())

	require.Len(t, dead, 1)
	assert.Equal(t, info.Name(), deadName)
	assert.ElementsMatch(t, []uint64{10, 11}, orphaned)
	assert.Nil(t, r.Get(info.Name()))
}

func TestExpireStaleLeavesFreshServers(t *testing.T) {
	r := New(time.Hour, nil)
	info := &ServerInfo{HostPort: "a:1", StartCode: 1}
	r.RecordStartup(info, false)

	dead := r.ExpireStale(time.Now())
	assert.Empty(t, dead)
	assert.NotNil(t, r.Get(info.Name()))
}

func TestRemoveInvokesOnDeath(t *testing.T) {
	var called bool
	r := New(time.Minute, func(name string, regions []uint64) { called = true })
	info := &ServerInfo{HostPort: "remove-host:1", StartCode: 1}
	r.RecordStartup(info, false)

	r.Remove(info.Name())
	assert.True(t, called)
	assert.Nil(t, r.Get(info.Name()))
}

func TestRemoveUnknownServerIsNoop(t *testing.T) {
	called := false
	r := New(time.Minute, func(string, []uint64) { called = true })
	r.Remove("ghost")
	assert.False(t, called)
}

func TestBeginDrainMarksAllServers(t *testing.T) {
	r := New(time.Minute, nil)
	r.RecordStartup(&ServerInfo{HostPort: "drain-a:1", StartCode: 1}, false)
	r.RecordStartup(&ServerInfo{HostPort: "drain-b:1", StartCode: 1}, false)

	r.BeginDrain()

	for _, s := range r.Live() {
		assert.True(t, s.Draining)
	}
}

func TestLen(t *testing.T) {
	r := New(time.Minute, nil)
	assert.Equal(t, 0, r.Len())
	r.RecordStartup(&ServerInfo{HostPort: "len-host:1", StartCode: 1}, false)
	assert.Equal(t, 1, r.Len())
}
