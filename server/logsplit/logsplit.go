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

// Package logsplit drives WAL split recovery on region server death
// (spec.md §4.8). The split algorithm itself is an external
// collaborator, out of scope; this package specifies only when it is
// triggered and its post-conditions.
package logsplit

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/coregrid/master/server/dfs"
	"github.com/coregrid/master/server/metrics"
	"github.com/docker/go-units"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SplitFunc performs the actual split algorithm: given the DFS root,
// the quarantined log directory, the original log directory path, and
// the DFS handle, it returns the number of files and bytes processed.
// This is the out-of-scope external routine named in spec.md §1/§4.8.
type SplitFunc func(fs dfs.FS, rootDir, splitDir, originalDir string) (fileCount int, bytesProcessed uint64, err error)

// Driver serializes recoveries: at most one split runs at a time, to
// bound DFS load (spec.md §4.8).
type Driver struct {
	mu      sync.Mutex // split_log_lock
	fs      dfs.FS
	rootDir string
	split   SplitFunc
}

// New creates a Driver. split is the external split algorithm; pass
// nil to use a no-op stub suitable for tests that only care about the
// rename/lock/metrics behavior.
func New(fs dfs.FS, rootDir string, split SplitFunc) *Driver {
	if split == nil {
		split = noopSplit
	}
	return &Driver{fs: fs, rootDir: rootDir, split: split}
}

func noopSplit(fs dfs.FS, rootDir, splitDir, originalDir string) (int, uint64, error) {
	return 0, 0, nil
}

func (d *Driver) logDir(server string) string {
	return path.Join(d.rootDir, ".logs", server)
}

func (d *Driver) splittingDir(server string) string {
	return path.Join(d.rootDir, ".logs", server+"-splitting")
}

// Recover runs the full recovery for one dead server: acquire the
// process-wide split lock, atomically rename logs/<server> to
// logs/<server>-splitting (rejecting a rogue revival racing to write
// to the same directory), invoke the split routine, and on success
// record (duration, file_count, bytes) in metrics. On failure the
// quarantined directory is left in place so the next master startup
// retries it. The lock is released on every exit path, including a
// panic in the split routine, matching the scoped-resource-release
// design note in spec.md §9.
func (d *Driver) Recover(server string) (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	original := d.logDir(server)
	splitting := d.splittingDir(server)

	exists, statErr := d.fs.Exists(original)
	if statErr != nil {
		return errors.Wrap(statErr, "check log directory")
	}
	if !exists {
		log.Info("no log directory to split", zap.String("server", server))
		return nil
	}

	if err := d.fs.Rename(original, splitting); err != nil {
		return errors.Wrap(err, "quarantine log directory")
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("log split panicked, directory left quarantined for retry",
				zap.String("server", server), zap.Any("panic", r))
			err = errors.Errorf("log split panic: %v", r)
		}
	}()

	fileCount, bytesProcessed, splitErr := d.split(d.fs, d.rootDir, splitting, original)
	if splitErr != nil {
		log.Error("log split failed, directory left in place for retry",
			zap.String("server", server), zap.Error(splitErr))
		return errors.Wrap(splitErr, "split log")
	}

	duration := time.Since(start)
	metrics.LogSplitDuration.WithLabelValues(server).Observe(duration.Seconds())
	metrics.LogSplitFileCount.WithLabelValues(server).Set(float64(fileCount))
	metrics.LogSplitBytes.WithLabelValues(server).Set(float64(bytesProcessed))

	log.Info("log split complete",
		zap.String("server", server),
		zap.Duration("duration", duration),
		zap.Int("files", fileCount),
		zap.String("bytes", units.BytesSize(float64(bytesProcessed))))

	archived := path.Join(d.rootDir, ".oldlogs", fmt.Sprintf("%s-%d", server, start.UnixNano()))
	if err := d.fs.Rename(splitting, archived); err != nil {
		return errors.Wrap(err, "archive split log directory")
	}
	return nil
}
