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
	"bytes"

	"github.com/coregrid/master/server/assignment"
	"github.com/coregrid/master/server/errs"
	"github.com/coregrid/master/server/registry"
)

// ModifyKind tags a modify_table admin action (spec.md §4.9). Per the
// tagged-variant design note in spec.md §9, each kind's arguments are
// carried by a distinct, typed field on ModifyRequest rather than a
// heterogeneous arg array switched on at runtime.
type ModifyKind int

// The modify_table actions.
const (
	ModifySplit ModifyKind = iota
	ModifyCompact
	ModifyMajorCompact
	ModifyFlush
	ModifyExplicitSplit
	ModifyMoveRegion
	ModifyCloseRegion
)

// ModifyRequest is the exhaustively-matched payload of one
// modify_table call.
type ModifyRequest struct {
	Kind     ModifyKind
	RegionID uint64

	// ModifyExplicitSplit only.
	SplitPoint []byte

	// ModifyMoveRegion only.
	TargetHost string
}

// PeekOneShotPreference returns any pending one-shot preferred server
// for regionID without clearing it, for the Assigner to consult ahead
// of its usual locality/load logic.
func (o *Ops) PeekOneShotPreference(regionID uint64) (string, bool) {
	o.oneShotPreference.Lock()
	defer o.oneShotPreference.Unlock()
	server, ok := o.oneShotPreference.m[regionID]
	return server, ok
}

// ConsumeOneShotPreference clears regionID's one-shot preference once
// the Assigner has actually honored it.
func (o *Ops) ConsumeOneShotPreference(regionID uint64) {
	o.oneShotPreference.Lock()
	defer o.oneShotPreference.Unlock()
	delete(o.oneShotPreference.m, regionID)
}

// Modify dispatches one modify_table admin action. reg is used to
// queue the directives that COMPACT/MAJOR_COMPACT/FLUSH/CLOSE_REGION,
// SPLIT/EXPLICIT_SPLIT and the close half of MOVE_REGION produce.
func (o *Ops) Modify(req ModifyRequest, reg *registry.Registry) error {
	entry := o.assignment.Get(req.RegionID)
	if entry == nil {
		return errs.ErrIllegalAssignmentTransition
	}

	switch req.Kind {
	case ModifyCompact:
		reg.QueueDirective(entry.TargetServer, registry.Directive{Kind: registry.DirectiveCompactRegion, RegionID: req.RegionID})
	case ModifyMajorCompact:
		reg.QueueDirective(entry.TargetServer, registry.Directive{Kind: registry.DirectiveMajorCompactRegion, RegionID: req.RegionID})
	case ModifyFlush:
		reg.QueueDirective(entry.TargetServer, registry.Directive{Kind: registry.DirectiveFlushRegion, RegionID: req.RegionID})
	case ModifyCloseRegion:
		return o.requestClose(entry, reg)
	case ModifySplit:
		reg.QueueDirective(entry.TargetServer, registry.Directive{Kind: registry.DirectiveSplitRegion, RegionID: req.RegionID})
	case ModifyExplicitSplit:
		if !entry.Region.ContainsKey(req.SplitPoint) || isRangeBoundary(entry, req.SplitPoint) {
			return errs.ErrInvalidSplitPoint
		}
		reg.QueueDirective(entry.TargetServer, registry.Directive{
			Kind:     registry.DirectiveSplitRegion,
			RegionID: req.RegionID,
			SplitAt:  req.SplitPoint,
		})
	case ModifyMoveRegion:
		o.oneShotPreference.Lock()
		o.oneShotPreference.m[req.RegionID] = req.TargetHost
		o.oneShotPreference.Unlock()
		return o.requestClose(entry, reg)
	default:
		return errs.ErrIllegalAssignmentTransition
	}
	return nil
}

// isRangeBoundary reports whether point coincides with entry's own
// start key, which ContainsKey would accept but which is not a usable
// split point (it would produce an empty daughter region).
func isRangeBoundary(entry *assignment.Entry, point []byte) bool {
	return bytes.Equal(point, entry.Region.StartKey)
}

// requestClose transitions entry's region to PENDING_CLOSE on its
// current holder and queues the close directive; used by
// CLOSE_REGION and the close half of MOVE_REGION.
func (o *Ops) requestClose(entry *assignment.Entry, reg *registry.Registry) error {
	if entry.State != assignment.StateOpen {
		return errs.ErrIllegalAssignmentTransition
	}
	if err := o.assignment.SetState(entry.Region.ID, assignment.StatePendingClose, entry.TargetServer); err != nil {
		return err
	}
	reg.QueueDirective(entry.TargetServer, registry.Directive{Kind: registry.DirectiveCloseRegion, RegionID: entry.Region.ID})
	return nil
}
