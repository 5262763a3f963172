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

// Package locality computes and caches preferred-server lists per
// region from DFS block placement (spec.md §4.5). There is no direct
// analogue of this in the teacher (pd's stores carry no concept of
// data-block colocation); this package is grounded instead on the
// teacher's worker-pool shape (server/cache.go's background job
// runner) and its snapshot-to-disk persistence pattern
// (server/core/storage.go saving/loading state as JSON).
package locality

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BlockLocationSource is the DFS collaborator: for a region, the set of
// servers holding the most co-located blocks, most-preferred first.
// The DFS itself is out of scope (spec.md §1); this is the seam.
type BlockLocationSource interface {
	PreferredServers(regionID uint64) ([]string, error)
}

// snapshot is the on-disk cache format written to
// <tmp_dir>/regionLocality-snapshot.
type snapshot struct {
	ComputedAt time.Time           `json:"computed_at"`
	Placement  map[uint64][]string `json:"placement"`
}

// Oracle caches region -> ordered preferred-server list.
type Oracle struct {
	mu        sync.RWMutex
	placement map[uint64][]string
	computedAt time.Time

	snapshotPath string
	validity     time.Duration
	poolSize     int
	source       BlockLocationSource

	// lastSeen records when each server last checked in, to implement
	// hold_for_locality_period forfeiture independent of the registry
	// (a server can be a valid locality preference before it has ever
	// registered with this master, e.g. right after failover).
	lastSeen map[string]time.Time
}

// New creates an Oracle. snapshotPath is the local cache file;
// validity is snapshot_validity (default 24h); poolSize bounds the
// parallel DFS scan (default 5).
func New(snapshotPath string, validity time.Duration, poolSize int, source BlockLocationSource) *Oracle {
	return &Oracle{
		placement:    make(map[uint64][]string),
		snapshotPath: snapshotPath,
		validity:     validity,
		poolSize:     poolSize,
		source:       source,
		lastSeen:     make(map[string]time.Time),
	}
}

// Load tries to load a cached snapshot from disk; if it is missing or
// older than validity, it is treated as absent and the caller should
// follow with Refresh.
func (o *Oracle) Load() error {
	data, err := ioutil.ReadFile(o.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read locality snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "decode locality snapshot")
	}
	if time.Since(snap.ComputedAt) > o.validity {
		log.Info("locality snapshot stale, ignoring", zap.Time("computed_at", snap.ComputedAt))
		return nil
	}
	o.mu.Lock()
	o.placement = snap.Placement
	o.computedAt = snap.ComputedAt
	o.mu.Unlock()
	return nil
}

// Refresh recomputes placement for every given region ID by scanning
// the DFS in parallel (bounded by poolSize), then writes the result
// back to the snapshot file.
func (o *Oracle) Refresh(regionIDs []uint64) error {
	sem := make(chan struct{}, o.poolSize)
	var wg sync.WaitGroup
	results := make(chan struct {
		id      uint64
		servers []string
	}, len(regionIDs))

	for _, id := range regionIDs {
		wg.Add(1)
		sem <- struct{}{}
		go func(id uint64) {
			defer wg.Done()
			defer func() { <-sem }()
			servers, err := o.source.PreferredServers(id)
			if err != nil {
				log.Warn("locality scan failed for region", zap.Uint64("region", id), zap.Error(err))
				return
			}
			results <- struct {
				id      uint64
				servers []string
			}{id, servers}
		}(id)
	}
	wg.Wait()
	close(results)

	placement := make(map[uint64][]string, len(regionIDs))
	for r := range results {
		placement[r.id] = r.servers
	}

	now := time.Now()
	o.mu.Lock()
	o.placement = placement
	o.computedAt = now
	o.mu.Unlock()

	return o.save(now, placement)
}

func (o *Oracle) save(computedAt time.Time, placement map[uint64][]string) error {
	data, err := json.Marshal(snapshot{ComputedAt: computedAt, Placement: placement})
	if err != nil {
		return errors.Wrap(err, "encode locality snapshot")
	}
	if err := ioutil.WriteFile(o.snapshotPath, data, 0644); err != nil {
		return errors.Wrap(err, "write locality snapshot")
	}
	return nil
}

// Touch records that server checked in just now, for
// hold_for_locality_period forfeiture tracking.
func (o *Oracle) Touch(server string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastSeen[server] = time.Now()
}

// Preferred returns the ordered preferred-server list for regionID, or
// nil if the oracle has no opinion.
func (o *Oracle) Preferred(regionID uint64) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]string(nil), o.placement[regionID]...)
}

// HasForfeited reports whether server's locality claim has lapsed: it
// has not checked in within holdPeriod of now. A server that has never
// checked in at all has not forfeited yet -- it simply has not had the
// chance, which matters right after failover when the oracle loads a
// snapshot before any Report has arrived.
func (o *Oracle) HasForfeited(server string, now time.Time, holdPeriod time.Duration) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	seen, ok := o.lastSeen[server]
	if !ok {
		return false
	}
	return now.Sub(seen) > holdPeriod
}
