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

// Package assignment is the authoritative in-memory map of region to
// assigned server, plus in-transition states (spec.md §4.4). It is the
// single source of truth for the invariant that a region is assigned
// to at most one live server.
package assignment

import (
	"sync"
	"time"

	"github.com/coregrid/master/server/errs"
	"github.com/coregrid/master/server/region"
	"github.com/google/btree"
)

// State is one of the AssignmentEntry states of spec.md §3.
type State int

// The assignment state machine's states.
const (
	StateUnassigned State = iota
	StatePendingOpen
	StateOpen
	StatePendingClose
	StateClosed
	StateOffline
	StateSplitting
)

func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "UNASSIGNED"
	case StatePendingOpen:
		return "PENDING_OPEN"
	case StateOpen:
		return "OPEN"
	case StatePendingClose:
		return "PENDING_CLOSE"
	case StateClosed:
		return "CLOSED"
	case StateOffline:
		return "OFFLINE"
	case StateSplitting:
		return "SPLITTING"
	default:
		return "UNKNOWN"
	}
}

// inTransition reports whether s counts toward the "at most one entry
// in {PENDING_OPEN,OPEN,PENDING_CLOSE}" invariant.
func (s State) inTransition() bool {
	return s == StatePendingOpen || s == StateOpen || s == StatePendingClose
}

// Entry is one AssignmentEntry: (region, state, target_server, since_ts).
type Entry struct {
	Region       *region.Region
	State        State
	TargetServer string
	SinceTS      time.Time
	// Epoch is bumped on every transition (SetState and
	// ClearInTransition). Directives do not carry an epoch, so nothing
	// compares a delivered directive against it.
	Epoch uint64
	// Attempts counts placement retries for exponential backoff
	// (spec.md §4.6); reset whenever the region reaches OPEN.
	Attempts int
}

func (e *Entry) clone() *Entry {
	cp := *e
	return &cp
}

// legalTransitions enumerates the state machine of spec.md §4.4. A
// transition not present here fails with ErrIllegalAssignmentTransition.
var legalTransitions = map[State]map[State]bool{
	StateUnassigned:   {StatePendingOpen: true, StateOffline: true},
	StatePendingOpen:  {StateOpen: true, StateUnassigned: true, StateOffline: true},
	StateOpen:         {StatePendingClose: true, StateSplitting: true, StateOffline: true},
	StatePendingClose: {StateClosed: true, StateOffline: true},
	StateClosed:       {StateUnassigned: true, StateOffline: true},
	StateSplitting:    {StateUnassigned: true},
	StateOffline:      {StateUnassigned: true},
}

// btreeItem adapts an Entry for ordering by (table, start key, id), so
// the table can be range-scanned by key the way a real META scan
// would be, and so TableOps can enumerate a table's regions in key
// order for throttled reopen / disable workflows.
type btreeItem struct {
	entry *Entry
}

func (a btreeItem) Less(than btree.Item) bool {
	b := than.(btreeItem)
	ra, rb := a.entry.Region, b.entry.Region
	if ra.TableName != rb.TableName {
		return ra.TableName < rb.TableName
	}
	c := compareBytes(ra.StartKey, rb.StartKey)
	if c != 0 {
		return c < 0
	}
	return ra.ID < rb.ID
}

func compareBytes(a, b []byte) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1 // empty start key sorts first (-infinity)
	case len(b) == 0:
		return 1
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return int(a[i]) - int(b[i])
		}
	}
	return len(a) - len(b)
}

// Table is the AssignmentTable: an in-memory authority whose persisted
// image lives in META (spec.md §4.4).
type Table struct {
	mu      sync.RWMutex
	entries map[uint64]*Entry // by region ID
	tree    *btree.BTree       // ordered by (table, start key, id), for META-scan-shaped reads
}

// New creates an empty AssignmentTable.
func New() *Table {
	return &Table{
		entries: make(map[uint64]*Entry),
		tree:    btree.New(32),
	}
}

// Put registers a brand-new region as UNASSIGNED. Used when a region
// comes into existence: table create, split daughter discovery, or a
// META scan discovering a region this master had not yet seen.
func (t *Table) Put(r *region.Region) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := &Entry{Region: r, State: StateUnassigned, SinceTS: time.Now()}
	t.entries[r.ID] = e
	t.tree.ReplaceOrInsert(btreeItem{e})
}

// Remove destroys a region's AssignmentEntry, used when the region is
// deleted from META (table delete, or a parent region after a split
// completes).
func (t *Table) Remove(regionID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[regionID]
	if !ok {
		return
	}
	delete(t.entries, regionID)
	t.tree.Delete(btreeItem{e})
}

// Get returns a copy of the entry for regionID, or nil.
func (t *Table) Get(regionID uint64) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[regionID]
	if !ok {
		return nil
	}
	return e.clone()
}

// SetState performs a guarded transition, rejecting illegal ones per
// the state machine in spec.md §4.4. server is the target/holding
// server for states that carry one (PENDING_OPEN, OPEN, PENDING_CLOSE);
// pass "" otherwise.
func (t *Table) SetState(regionID uint64, newState State, server string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[regionID]
	if !ok {
		return errs.ErrIllegalAssignmentTransition
	}
	if !legalTransitions[e.State][newState] {
		return errs.ErrIllegalAssignmentTransition
	}
	e.State = newState
	e.TargetServer = server
	e.SinceTS = time.Now()
	e.Epoch++
	if newState == StateOpen {
		e.Attempts = 0
	}
	return nil
}

// ClearInTransition forcibly returns a region to UNASSIGNED, used when
// a directive is known lost (spec.md §4.4, §4.6 assignment_timeout).
// It bumps Attempts for the Assigner's exponential backoff.
func (t *Table) ClearInTransition(regionID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[regionID]
	if !ok {
		return
	}
	e.State = StateUnassigned
	e.TargetServer = ""
	e.SinceTS = time.Now()
	e.Epoch++
	e.Attempts++
}

// RegionsOf returns every region currently assigned (in any
// in-transition or OPEN state) to the given server.
func (t *Table) RegionsOf(server string) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Entry
	for _, e := range t.entries {
		if e.TargetServer == server {
			out = append(out, e.clone())
		}
	}
	return out
}

// InTransition returns a snapshot of every entry whose state is one of
// PENDING_OPEN/OPEN/PENDING_CLOSE -- the "regions in transition" of
// get_cluster_status (spec.md §6).
func (t *Table) InTransition() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Entry
	for _, e := range t.entries {
		if e.State.inTransition() {
			out = append(out, e.clone())
		}
	}
	return out
}

// Unassigned returns every entry currently UNASSIGNED, the Assigner's
// input set.
func (t *Table) Unassigned() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Entry
	for _, e := range t.entries {
		if e.State == StateUnassigned {
			out = append(out, e.clone())
		}
	}
	return out
}

// Len reports the total number of regions tracked, for
// get_cluster_status (spec.md §6).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// TableRegions returns every region of the given table, in key order,
// for TableOps workflows (disable/delete/alter throttled-reopen).
func (t *Table) TableRegions(tableName string) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Entry
	t.tree.Ascend(func(i btree.Item) bool {
		e := i.(btreeItem).entry
		if e.Region.TableName == tableName {
			out = append(out, e.clone())
		}
		return true
	})
	return out
}

// CountInTransitionOnTable counts entries of tableName currently
// actively moving between OPEN on the old schema and OPEN on the new
// one (PENDING_OPEN or PENDING_CLOSE), used by Alter's throttled-reopen
// budget (spec.md §4.9). Unlike InTransition, OPEN does not count here:
// an untouched-so-far OPEN region is not consuming any throttle
// headroom, so it must not count against the budget for starting the
// next batch.
func (t *Table) CountInTransitionOnTable(tableName string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	t.tree.AscendRange(btreeItem{&Entry{Region: &region.Region{TableName: tableName}}},
		btreeItem{&Entry{Region: &region.Region{TableName: tableName + "\x00"}}},
		func(i btree.Item) bool {
			switch i.(btreeItem).entry.State {
			case StatePendingOpen, StatePendingClose:
				n++
			}
			return true
		})
	return n
}
