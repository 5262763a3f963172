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

// Package tableops implements table lifecycle as multi-step workflows
// over META (spec.md §4.9): create/alter/enable/disable/delete, and
// the modify_table admin dispatch. Each operation executes serially
// per table and is idempotent under replay.
//
// META's region-server read/write path is out of scope (spec.md §1);
// this package stands in for "the currently-assigned META server" with
// the AssignmentTable plus a small in-memory table-metadata map: a
// table's META rows are the AssignmentTable's entries for that table.
package tableops

import (
	"sync"
	"time"

	"github.com/coregrid/master/server/assignment"
	"github.com/coregrid/master/server/errs"
	"github.com/coregrid/master/server/region"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TableState is whether a table currently accepts client reads/writes.
type TableState int

// Table lifecycle states.
const (
	TableEnabled TableState = iota
	TableDisabled
)

// tableMeta is the schema/lifecycle record TableOps keeps per table,
// the catalog-level counterpart to each region's AssignmentEntry.
type tableMeta struct {
	schema region.Schema
	state  TableState
}

// Ops drives table DDL workflows. One Ops instance is shared by the
// whole master; per-table serialization is enforced by tableLocks.
type Ops struct {
	mu     sync.Mutex
	tables map[string]*tableMeta

	tableLocks sync.Map // tableName -> *sync.Mutex, serializes ops per table

	assignment *assignment.Table
	nextID     func() uint64

	numRetries    int
	sleepInterval time.Duration
	alterThrottle int

	// inFlightAlters is keyed by table name; populated by Alter, drained
	// as each region completes its throttled reopen. A field of Ops, not
	// a package-level global, so independent Ops instances never share
	// in-flight-alter state.
	inFlightAlters struct {
		sync.Mutex
		m map[string]*alterProgress
	}

	// oneShotPreference records a MOVE_REGION's target as a one-shot
	// preferred placement, consulted the next time its region is
	// assigned (spec.md §4.9 scenario 6). Keyed by region ID; a field of
	// Ops for the same reason as inFlightAlters.
	oneShotPreference struct {
		sync.Mutex
		m map[uint64]string
	}
}

// New creates an Ops bound to the shared AssignmentTable. nextID
// allocates globally unique region IDs.
func New(table *assignment.Table, nextID func() uint64, numRetries int, sleepInterval time.Duration, alterThrottle int) *Ops {
	o := &Ops{
		tables:        make(map[string]*tableMeta),
		assignment:    table,
		nextID:        nextID,
		numRetries:    numRetries,
		sleepInterval: sleepInterval,
		alterThrottle: alterThrottle,
	}
	o.inFlightAlters.m = make(map[string]*alterProgress)
	o.oneShotPreference.m = make(map[uint64]string)
	return o
}

func (o *Ops) lockFor(tableName string) *sync.Mutex {
	l, _ := o.tableLocks.LoadOrStore(tableName, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (o *Ops) isProtected(tableName string) bool {
	return tableName == region.RootTableName || tableName == region.MetaTableName
}

// ReadyCheck reports whether META is fully online and there is at
// least one usable region server -- the precondition spec.md §4.9
// requires before Create may proceed, and the source of NotReady.
type ReadyCheck func() (metaOnline bool, liveServers int)

// Create validates the table does not already exist, then creates
// len(splitKeys)+1 regions daisy-chained across splitKeys, inserts
// them into META (the AssignmentTable), and returns. The caller is
// responsible for triggering a META scan / Assigner pass afterward.
//
// If META is not online or there are no usable region servers, Create
// retries up to numRetries times with sleepInterval backoff before
// failing with NotReady (spec.md §4.9, §8 scenario 4).
func (o *Ops) Create(tableName string, schema region.Schema, splitKeys [][]byte, ready ReadyCheck) ([]*region.Region, error) {
	lock := o.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	_, exists := o.tables[tableName]
	o.mu.Unlock()
	if exists {
		return nil, errs.ErrTableExists
	}

	var metaOnline bool
	var liveServers int
	for attempt := 0; attempt <= o.numRetries; attempt++ {
		metaOnline, liveServers = ready()
		if metaOnline && liveServers > 0 {
			break
		}
		if attempt == o.numRetries {
			if !metaOnline {
				return nil, errors.Wrap(errs.ErrNotReady, errs.ErrNotAllMetaRegionsOnline.Error())
			}
			return nil, errors.Wrap(errs.ErrNotReady, errs.ErrInsufficientServers.Error())
		}
		time.Sleep(o.sleepInterval)
	}

	regions := region.SplitKeys(tableName, schema, splitKeys, o.nextID)
	for _, r := range regions {
		o.assignment.Put(r)
	}

	o.mu.Lock()
	o.tables[tableName] = &tableMeta{schema: schema, state: TableEnabled}
	o.mu.Unlock()

	log.Info("created table", zap.String("table", tableName), zap.Int("regions", len(regions)))
	return regions, nil
}

// Delete removes every region of tableName from META. Root and META
// cannot be deleted (ErrProtectedTable).
func (o *Ops) Delete(tableName string) error {
	if o.isProtected(tableName) {
		return errs.ErrProtectedTable
	}
	lock := o.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	_, exists := o.tables[tableName]
	o.mu.Unlock()
	if !exists {
		return errs.ErrTableNotFound
	}

	for _, entry := range o.assignment.TableRegions(tableName) {
		o.assignment.Remove(entry.Region.ID)
	}

	o.mu.Lock()
	delete(o.tables, tableName)
	o.mu.Unlock()

	log.Info("deleted table", zap.String("table", tableName))
	return nil
}

// Disable walks the table's regions and marks each eligible for
// OFFLINE, suppressing re-assignment (spec.md §4.4/§4.9). It is
// idempotent: a region already OFFLINE is left alone.
func (o *Ops) Disable(tableName string) error {
	if o.isProtected(tableName) {
		return errs.ErrProtectedTable
	}
	lock := o.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	meta, exists := o.tables[tableName]
	if !exists {
		o.mu.Unlock()
		return errs.ErrTableNotFound
	}
	meta.state = TableDisabled
	o.mu.Unlock()

	for _, entry := range o.assignment.TableRegions(tableName) {
		if entry.State == assignment.StateOffline {
			continue
		}
		if err := o.assignment.SetState(entry.Region.ID, assignment.StateOffline, ""); err != nil {
			log.Warn("disable: could not offline region, will retry next cycle",
				zap.Uint64("region", entry.Region.ID), zap.Error(err))
		}
	}
	log.Info("disabled table", zap.String("table", tableName))
	return nil
}

// Enable marks every OFFLINE region of tableName eligible for
// assignment again, by returning it to UNASSIGNED; the Assigner picks
// it up on its next pass.
func (o *Ops) Enable(tableName string) error {
	if o.isProtected(tableName) {
		return errs.ErrProtectedTable
	}
	lock := o.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	meta, exists := o.tables[tableName]
	if !exists {
		o.mu.Unlock()
		return errs.ErrTableNotFound
	}
	meta.state = TableEnabled
	o.mu.Unlock()

	for _, entry := range o.assignment.TableRegions(tableName) {
		if entry.State != assignment.StateOffline {
			continue
		}
		if err := o.assignment.SetState(entry.Region.ID, assignment.StateUnassigned, ""); err != nil {
			log.Warn("enable: could not unassign region, will retry next cycle",
				zap.Uint64("region", entry.Region.ID), zap.Error(err))
		}
	}
	log.Info("enabled table", zap.String("table", tableName))
	return nil
}

// AlterRequest describes a schema change: columns to add, modify (by
// name, replacing the whole column def), or drop.
type AlterRequest struct {
	Adds  []string
	Mods  []string
	Drops []string
}

// alterProgress tracks a single in-flight Alter, for GetAlterStatus.
type alterProgress struct {
	total   int
	regions []uint64
}

// Alter records req's schema change, then throttled-reopens the
// table's regions: at most alterThrottle regions in transition
// simultaneously, preserving availability (spec.md §4.9).
func (o *Ops) Alter(tableName string, req AlterRequest) error {
	if o.isProtected(tableName) {
		return errs.ErrProtectedTable
	}
	lock := o.lockFor(tableName)
	lock.Lock()
	defer lock.Unlock()

	o.mu.Lock()
	meta, exists := o.tables[tableName]
	if !exists {
		o.mu.Unlock()
		return errs.ErrTableNotFound
	}
	meta.schema = applySchemaChange(meta.schema, req)
	meta.schema.Version++
	o.mu.Unlock()

	entries := o.assignment.TableRegions(tableName)
	ids := make([]uint64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Region.ID)
	}

	o.inFlightAlters.Lock()
	o.inFlightAlters.m[tableName] = &alterProgress{total: len(ids), regions: ids}
	o.inFlightAlters.Unlock()

	o.throttledReopen(tableName, entries)
	return nil
}

func applySchemaChange(s region.Schema, req AlterRequest) region.Schema {
	set := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		set[c] = true
	}
	for _, d := range req.Drops {
		delete(set, d)
	}
	for _, a := range req.Adds {
		set[a] = true
	}
	for _, m := range req.Mods {
		set[m] = true
	}
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	s.Columns = cols
	return s
}

// throttledReopen transitions up to alterThrottle regions at a time to
// PENDING_CLOSE (the Assigner/region server round trip then carries
// them through CLOSED -> UNASSIGNED -> PENDING_OPEN -> OPEN on the new
// schema). This call only kicks off one batch; ContinueAlter drives
// subsequent batches, invoked by the control loop's
// ProcessRegionClosed handler once a region in this batch frees up
// throttle headroom (spec.md §4.9).
func (o *Ops) throttledReopen(tableName string, entries []*assignment.Entry) {
	inTransition := o.assignment.CountInTransitionOnTable(tableName)
	budget := o.alterThrottle - inTransition
	for _, e := range entries {
		if budget <= 0 {
			break
		}
		if e.State != assignment.StateOpen {
			continue
		}
		if err := o.assignment.SetState(e.Region.ID, assignment.StatePendingClose, e.TargetServer); err != nil {
			continue
		}
		budget--
	}
}

// ContinueAlter kicks off the next throttled-reopen batch for
// tableName's in-flight Alter, if any of its regions are still waiting
// on the old schema. Called by the control loop whenever a region
// finishes closing, since that is exactly when a throttle slot frees
// up; a no-op if tableName has no in-flight Alter or every region has
// already cycled back to OPEN on the new schema.
func (o *Ops) ContinueAlter(tableName string) {
	o.inFlightAlters.Lock()
	progress, ok := o.inFlightAlters.m[tableName]
	o.inFlightAlters.Unlock()
	if !ok {
		return
	}

	var remaining []*assignment.Entry
	for _, id := range progress.regions {
		e := o.assignment.Get(id)
		if e != nil && e.State == assignment.StateOpen {
			remaining = append(remaining, e)
		}
	}
	if len(remaining) == 0 {
		return
	}
	o.throttledReopen(tableName, remaining)
}

// GetAlterStatus reports (pending, total) for tableName's most recent
// Alter.
func (o *Ops) GetAlterStatus(tableName string) (pending, total int) {
	o.inFlightAlters.Lock()
	progress, ok := o.inFlightAlters.m[tableName]
	o.inFlightAlters.Unlock()
	if !ok {
		return 0, 0
	}
	pending = 0
	for _, id := range progress.regions {
		e := o.assignment.Get(id)
		if e != nil && e.State != assignment.StateOpen {
			pending++
		}
	}
	return pending, progress.total
}
