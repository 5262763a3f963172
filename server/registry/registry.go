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
	"sort"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// DirectiveKind tags the instruction piggybacked on a heartbeat reply.
type DirectiveKind int

// The directive kinds named in spec.md's glossary and §4.3.
const (
	DirectiveOpenRegion DirectiveKind = iota
	DirectiveCloseRegion
	DirectiveSplitRegion
	DirectiveFlushRegion
	DirectiveCompactRegion
	DirectiveMajorCompactRegion
)

// Directive is one instruction addressed to a specific region server,
// delivered as a field of the response to that server's next Report.
type Directive struct {
	Kind      DirectiveKind
	RegionID  uint64
	SplitAt   []byte // only meaningful for DirectiveSplitRegion
}

// Registry is the authoritative liveness/load table for region
// servers. Only the MasterLoop thread may mutate it (spec.md §5); RPC
// handlers read it or call RecordStartup/RecordReport/ExpireStale,
// which are cheap to call concurrently because mutation is guarded
// internally, but the *consequences* (queueing OperationItems) are
// still only drawn from the single control loop.
type Registry struct {
	mu sync.RWMutex

	byName map[string]*ServerInfo
	// loadIndex mirrors byName, ordered by Load.RegionCount, so the
	// Assigner and light_servers() can scan from lightest to heaviest
	// without resorting byName on every call.
	loadIndex []string

	pending map[string][]Directive

	// serverRegions tracks which regions each server last reported
	// holding, so ExpireStale/Remove can hand back the orphan list. A
	// field of Registry, not a package-level global, so independent
	// Registry instances (e.g. in tests) never see each other's state.
	serverRegions regionsByServer

	onDeath func(name string, orphaned []uint64)
	leaseTimeout time.Duration
}

// New creates an empty registry. onDeath is invoked (from ExpireStale,
// on the control-loop thread) once per server transitioning to dead,
// with the region IDs it was last known to be serving.
func New(leaseTimeout time.Duration, onDeath func(name string, orphaned []uint64)) *Registry {
	return &Registry{
		byName:        make(map[string]*ServerInfo),
		pending:       make(map[string][]Directive),
		serverRegions: regionsByServer{m: make(map[string][]uint64)},
		onDeath:       onDeath,
		leaseTimeout:  leaseTimeout,
	}
}

// regionsByServer tracks which regions each server last reported
// holding, so ExpireStale can hand back the orphan list.
type regionsByServer struct {
	sync.Mutex
	m map[string][]uint64
}

// RecordStartup inserts or replaces a server by server_name. If a
// prior entry exists for the same host:port with a *different*
// start_code, the old one is marked dead first and its log directory
// queued for splitting (spec.md §4.3) -- the caller (MasterLoop) is
// responsible for actually invoking the LogSplitter; RecordStartup
// only reports which name, if any, must be split.
func (r *Registry) RecordStartup(info *ServerInfo, isFailoverRecovery bool) (reincarnatedOf string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := info.Name()
	for existingName, existing := range r.byName {
		if existing.HostPort == info.HostPort && existing.StartCode != info.StartCode {
			reincarnatedOf = existingName
			r.removeLocked(existingName)
			break
		}
	}

	info.LastReport = time.Now()
	r.byName[name] = info
	r.insertLoadIndexLocked(name)
	log.Info("region server startup", zap.String("server", name), zap.Bool("failover_recovery", isFailoverRecovery))
	return reincarnatedOf
}

// RecordReport updates a server's load and last-seen timestamp, and
// returns any directives queued for it since its previous report.
func (r *Registry) RecordReport(name string, load Load, regionIDs []uint64) []Directive {
	r.mu.Lock()
	info, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	info.Load = load
	info.LastReport = time.Now()
	r.reindexLoadLocked(name)
	directives := r.pending[name]
	delete(r.pending, name)
	r.mu.Unlock()

	r.serverRegions.Lock()
	r.serverRegions.m[name] = regionIDs
	r.serverRegions.Unlock()

	return directives
}

// QueueDirective piggybacks one directive on server name's next report
// reply. Used by the Assigner (open) and TableOps (close/split/flush).
func (r *Registry) QueueDirective(name string, d Directive) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[name] = append(r.pending[name], d)
}

// Get returns a copy of the named server's info, or nil.
func (r *Registry) Get(name string) *ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byName[name]
	if !ok {
		return nil
	}
	cp := *info
	return &cp
}

// Live returns a snapshot of all currently tracked servers, ordered by
// ascending load, lightest first.
func (r *Registry) Live() []*ServerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServerInfo, 0, len(r.loadIndex))
	for _, name := range r.loadIndex {
		cp := *r.byName[name]
		out = append(out, &cp)
	}
	return out
}

// LightServers returns servers at or below the given region-count
// threshold, lightest first.
func (r *Registry) LightServers(threshold int) []*ServerInfo {
	all := r.Live()
	out := all[:0:0]
	for _, s := range all {
		if s.Load.RegionCount <= threshold {
			out = append(out, s)
		}
	}
	return out
}

// AverageLoad returns the mean region count across all live servers,
// via a real statistics library rather than a hand-rolled sum/len.
func (r *Registry) AverageLoad() float64 {
	r.mu.RLock()
	counts := make([]float64, 0, len(r.byName))
	for _, s := range r.byName {
		counts = append(counts, float64(s.Load.RegionCount))
	}
	r.mu.RUnlock()
	if len(counts) == 0 {
		return 0
	}
	mean, err := stats.Mean(counts)
	if err != nil {
		return 0
	}
	return mean
}

// ExpireStale transitions any server whose last Report predates
// now-leaseTimeout to dead, removing it from the registry and invoking
// onDeath with the region IDs it was last reported to hold. Returns
// the names reaped, for logging/metrics by the caller.
func (r *Registry) ExpireStale(now time.Time) []string {
	r.mu.Lock()
	var dead []string
	for name, info := range r.byName {
		if now.Sub(info.LastReport) > r.leaseTimeout {
			dead = append(dead, name)
		}
	}
	for _, name := range dead {
		r.removeLocked(name)
	}
	r.mu.Unlock()

	for _, name := range dead {
		r.serverRegions.Lock()
		orphaned := r.serverRegions.m[name]
		delete(r.serverRegions.m, name)
		r.serverRegions.Unlock()
		log.Warn("region server lease expired", zap.String("server", name), zap.Int("orphaned_regions", len(orphaned)))
		if r.onDeath != nil {
			r.onDeath(name, orphaned)
		}
	}
	return dead
}

// Remove unconditionally drops a server (used when a coordination
// session for it is observed to vanish outright, ahead of the lease
// timeout).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	_, ok := r.byName[name]
	if ok {
		r.removeLocked(name)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.serverRegions.Lock()
	orphaned := r.serverRegions.m[name]
	delete(r.serverRegions.m, name)
	r.serverRegions.Unlock()
	if r.onDeath != nil {
		r.onDeath(name, orphaned)
	}
}

// BeginDrain marks every currently tracked server as draining, so the
// Assigner stops placing new regions on them (spec.md §9 shutdown
// redesign). Servers registered afterward are unaffected; in practice
// none should register once shutdown has begun.
func (r *Registry) BeginDrain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, info := range r.byName {
		info.Draining = true
	}
}

// Len reports the number of tracked servers; MasterLoop polls this
// during drain to decide when it is safe to finish shutdown.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

func (r *Registry) removeLocked(name string) {
	delete(r.byName, name)
	delete(r.pending, name)
	for i, n := range r.loadIndex {
		if n == name {
			r.loadIndex = append(r.loadIndex[:i], r.loadIndex[i+1:]...)
			break
		}
	}
}

func (r *Registry) insertLoadIndexLocked(name string) {
	r.loadIndex = append(r.loadIndex, name)
	r.sortLoadIndexLocked()
}

func (r *Registry) reindexLoadLocked(name string) {
	r.sortLoadIndexLocked()
}

func (r *Registry) sortLoadIndexLocked() {
	sort.SliceStable(r.loadIndex, func(i, j int) bool {
		si, sj := r.byName[r.loadIndex[i]], r.byName[r.loadIndex[j]]
		if si.Load.RegionCount != sj.Load.RegionCount {
			return si.Load.RegionCount < sj.Load.RegionCount
		}
		return r.loadIndex[i] < r.loadIndex[j]
	})
}
