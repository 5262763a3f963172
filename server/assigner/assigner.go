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

// Package assigner picks target servers for unassigned regions using
// load and locality (spec.md §4.6).
package assigner

import (
	"sort"
	"time"

	"github.com/coregrid/master/server/assignment"
	"github.com/coregrid/master/server/locality"
	"github.com/coregrid/master/server/registry"
	"github.com/coregrid/master/server/tableops"
	"github.com/juju/ratelimit"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Config holds the timers the Assigner needs; these come from the
// shared server configuration but are narrowed to a small struct here
// so the package has no dependency on the config package's CLI/TOML
// concerns.
type Config struct {
	ApplyPreferredPeriod  time.Duration
	HoldForLocalityPeriod time.Duration
	AssignmentTimeout     time.Duration
	// MaxDirectivesPerTick bounds how many open-region directives a
	// single AssignPending call may issue, smoothing bursts (e.g. right
	// after a mass server death) instead of flooding every remaining
	// server's next report with opens in one shot.
	MaxDirectivesPerTick int64
}

// Assigner implements the placement algorithm of spec.md §4.6.
type Assigner struct {
	cfg           Config
	masterStartTS time.Time
	bucket        *ratelimit.Bucket
}

// New creates an Assigner. masterStartTS anchors the
// apply_preferred_period window.
func New(cfg Config, masterStartTS time.Time) *Assigner {
	if cfg.MaxDirectivesPerTick <= 0 {
		cfg.MaxDirectivesPerTick = 64
	}
	return &Assigner{
		cfg:           cfg,
		masterStartTS: masterStartTS,
		bucket:        ratelimit.NewBucketWithRate(float64(cfg.MaxDirectivesPerTick), cfg.MaxDirectivesPerTick),
	}
}

// AssignPending scans table's UNASSIGNED regions and, for each one
// ready to place, transitions it to PENDING_OPEN and queues an
// open-region directive on the chosen server's next report. ops may be
// nil, in which case one-shot MOVE_REGION preferences are never
// consulted.
func (a *Assigner) AssignPending(table *assignment.Table, reg *registry.Registry, oracle *locality.Oracle, ops *tableops.Ops, now time.Time) {
	pending := table.Unassigned()
	if len(pending) == 0 {
		return
	}
	// Catalog regions (root, META) are placed ahead of user regions.
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Region.IsCatalog() && !pending[j].Region.IsCatalog()
	})

	live := reg.Live()
	if len(live) == 0 {
		return
	}

	for _, entry := range pending {
		if a.bucket.TakeAvailable(1) == 0 {
			break
		}
		if a.backoffDue(entry, now) {
			continue
		}

		var target string
		if ops != nil {
			if oneShotHost, hasOneShot := ops.PeekOneShotPreference(entry.Region.ID); hasOneShot {
				target = a.pickOneShot(oneShotHost, live)
				if target != "" {
					ops.ConsumeOneShotPreference(entry.Region.ID)
				}
			}
		}
		if target != "" {
			// handled below by the common assign-and-queue step
		} else if entry.Region.IsCatalog() {
			target = a.pickByLoad(live, nil)
		} else if a.withinPreferredWindow(now) {
			target = a.pickPreferred(entry, live, oracle, now)
			if target == "" {
				// Either no live preferred candidate yet and still
				// within hold_for_locality_period (skip this cycle),
				// or the window lapsed for this region (fall through).
				if a.holdingForLocality(entry, oracle, now) {
					continue
				}
				target = a.pickByLoad(live, nil)
			}
		} else {
			target = a.pickByLoad(live, nil)
		}

		if target == "" {
			continue
		}

		if err := table.SetState(entry.Region.ID, assignment.StatePendingOpen, target); err != nil {
			log.Warn("assigner: illegal transition", zap.Uint64("region", entry.Region.ID), zap.Error(err))
			continue
		}
		reg.QueueDirective(target, registry.Directive{Kind: registry.DirectiveOpenRegion, RegionID: entry.Region.ID})
		log.Info("assigned region", zap.Uint64("region", entry.Region.ID), zap.String("server", target))
	}
}

// backoffDue reports whether entry's exponential backoff since its
// last failed placement attempt has not yet elapsed. The bounded
// exponential scheme (base=AssignmentTimeout, cap=16x) is this
// implementation's choice for the open question left unresolved by
// spec.md §9: delay = min(16, 2^Attempts) * AssignmentTimeout.
func (a *Assigner) backoffDue(entry *assignment.Entry, now time.Time) bool {
	if entry.Attempts == 0 {
		return false
	}
	mult := int64(1) << uint(entry.Attempts)
	if mult > 16 {
		mult = 16
	}
	delay := time.Duration(mult) * a.cfg.AssignmentTimeout
	return now.Sub(entry.SinceTS) < delay
}

func (a *Assigner) withinPreferredWindow(now time.Time) bool {
	return now.Sub(a.masterStartTS) < a.cfg.ApplyPreferredPeriod
}

// pickPreferred returns the highest-preference live candidate from the
// oracle's list for entry's region, or "" if none qualify right now.
func (a *Assigner) pickPreferred(entry *assignment.Entry, live []*registry.ServerInfo, oracle *locality.Oracle, now time.Time) string {
	if oracle == nil {
		return ""
	}
	candidates := oracle.Preferred(entry.Region.ID)
	if len(candidates) == 0 {
		return ""
	}
	liveByName := make(map[string]bool, len(live))
	for _, s := range live {
		liveByName[s.Name()] = true
	}
	for _, candidate := range candidates {
		if oracle.HasForfeited(candidate, now, a.cfg.HoldForLocalityPeriod) {
			continue
		}
		if liveByName[candidate] {
			return candidate
		}
	}
	return ""
}

// holdingForLocality reports whether entry should be skipped this
// cycle rather than fall through to load-based placement, because it
// has a preferred server that has not yet forfeited its claim.
func (a *Assigner) holdingForLocality(entry *assignment.Entry, oracle *locality.Oracle, now time.Time) bool {
	if oracle == nil {
		return false
	}
	candidates := oracle.Preferred(entry.Region.ID)
	if len(candidates) == 0 {
		return false
	}
	if now.Sub(entry.SinceTS) >= a.cfg.HoldForLocalityPeriod {
		return false
	}
	for _, c := range candidates {
		if !oracle.HasForfeited(c, now, a.cfg.HoldForLocalityPeriod) {
			return true
		}
	}
	return false
}

// ReapTimedOutAssignments reverts any PENDING_OPEN entry whose
// directive was not acknowledged within AssignmentTimeout back to
// UNASSIGNED (spec.md §4.6), so the next AssignPending call retries it
// on a (likely different) server. Returns the region IDs reverted, for
// logging/metrics.
func (a *Assigner) ReapTimedOutAssignments(table *assignment.Table, now time.Time) []uint64 {
	var reverted []uint64
	for _, entry := range table.InTransition() {
		if entry.State != assignment.StatePendingOpen {
			continue
		}
		if now.Sub(entry.SinceTS) <= a.cfg.AssignmentTimeout {
			continue
		}
		table.ClearInTransition(entry.Region.ID)
		reverted = append(reverted, entry.Region.ID)
		log.Warn("assignment directive timed out, reverting to unassigned",
			zap.Uint64("region", entry.Region.ID), zap.String("server", entry.TargetServer))
	}
	return reverted
}

// pickOneShot returns host if it is currently live, honoring a
// MOVE_REGION's recorded preference (spec.md §4.9 scenario 6); "" if
// the target is not presently live, leaving the preference in place
// for a later cycle.
func (a *Assigner) pickOneShot(host string, live []*registry.ServerInfo) string {
	for _, s := range live {
		if s.Name() == host && !s.Draining {
			return host
		}
	}
	return ""
}

// pickByLoad picks the live, non-draining, non-excluded server with
// minimum load, breaking ties by lexicographically-smallest
// server_name (spec.md §4.1 cluster-starter / §4.6 rule 1 and 3).
func (a *Assigner) pickByLoad(live []*registry.ServerInfo, exclude map[string]bool) string {
	candidates := make([]*registry.ServerInfo, 0, len(live))
	for _, s := range live {
		if s.Draining {
			continue
		}
		if exclude != nil && exclude[s.Name()] {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Load.RegionCount != candidates[j].Load.RegionCount {
			return candidates[i].Load.RegionCount < candidates[j].Load.RegionCount
		}
		return candidates[i].Name() < candidates[j].Name()
	})
	return candidates[0].Name()
}
