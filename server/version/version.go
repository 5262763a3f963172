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

// Package version checks the persisted <rootdir>/hbase.version marker
// (spec.md §6) against this binary's compiled version.
package version

import (
	"strings"

	"github.com/coregrid/master/server/dfs"
	"github.com/coregrid/master/server/errs"
	"github.com/coreos/go-semver/semver"
	"github.com/pkg/errors"
)

// Current is the on-disk format version this binary writes and
// expects. Bump it whenever the persisted layout changes incompatibly.
const Current = "1.0.0"

// versionFile is the well-known marker path under the DFS root
// (spec.md §6).
const versionFile = "hbase.version"

// Check reads the version marker from fs. If it is absent (fresh
// cluster), it is written with Current and nil is returned. If
// present, it must be semver-compatible (same major version) with
// Current, or ErrIncompatibleVersion is returned.
func Check(fs dfs.FS) error {
	exists, err := fs.Exists(versionFile)
	if err != nil {
		return errors.Wrap(err, "check version marker")
	}
	if !exists {
		return fs.WriteFile(versionFile, []byte(Current))
	}

	data, err := fs.ReadFile(versionFile)
	if err != nil {
		return errors.Wrap(err, "read version marker")
	}
	onDisk, err := semver.NewVersion(strings.TrimSpace(string(data)))
	if err != nil {
		return errors.Wrap(errs.ErrIncompatibleVersion, "unparseable on-disk version: "+err.Error())
	}
	current, err := semver.NewVersion(Current)
	if err != nil {
		// Current is a compile-time constant; a parse failure here is
		// a programmer error, not an operational one.
		panic(err)
	}
	if onDisk.Major != current.Major {
		return errors.Wrapf(errs.ErrIncompatibleVersion, "on-disk version %s is incompatible with binary version %s", onDisk, current)
	}
	return nil
}
