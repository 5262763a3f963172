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

// Package dfs is the seam for the shared append-capable file system
// (spec.md §1): out of scope to implement for real, but the master
// core needs atomic rename, durable writes, directory listing, and a
// safe-mode signal to drive bootstrap and log-split recovery. A
// local-filesystem-backed implementation is provided for tests and
// single-node operation.
package dfs

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FS is the DFS collaborator's contract.
type FS interface {
	// Exists reports whether path exists.
	Exists(path string) (bool, error)
	// ReadFile returns the full contents of path.
	ReadFile(path string) ([]byte, error)
	// WriteFile durably writes data to path, creating parent
	// directories as needed.
	WriteFile(path string, data []byte) error
	// Rename atomically moves oldPath to newPath; used to quarantine a
	// dead server's log directory (spec.md §4.8).
	Rename(oldPath, newPath string) error
	// List returns the immediate children of a directory.
	List(dir string) ([]string, error)
	// Mkdir creates a directory (and parents) if absent.
	Mkdir(dir string) error
	// SafeMode reports whether the DFS is currently in safe mode
	// (refusing writes), the signal check_file_system polls.
	SafeMode() (bool, error)
}

// Local is an FS backed by the local filesystem, rooted at Root. It is
// suitable for single-node development and for tests; a production
// deployment would instead point RootDir at a real DFS mount exposing
// the same atomic-rename/durable-write guarantees.
type Local struct {
	Root string
}

// NewLocal creates a Local rooted at root, creating it if necessary.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, errors.Wrap(err, "create dfs root")
	}
	return &Local{Root: root}, nil
}

func (l *Local) abs(path string) string {
	return filepath.Join(l.Root, path)
}

// Exists implements FS.
func (l *Local) Exists(path string) (bool, error) {
	_, err := os.Stat(l.abs(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrap(err, "stat")
}

// ReadFile implements FS.
func (l *Local) ReadFile(path string) ([]byte, error) {
	data, err := ioutil.ReadFile(l.abs(path))
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	return data, nil
}

// WriteFile implements FS. It writes to a temp file in the same
// directory and renames into place, so readers never observe a
// partial write -- the durability guarantee spec.md §1 assumes of the
// real DFS.
func (l *Local) WriteFile(path string, data []byte) error {
	full := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return errors.Wrap(err, "mkdir parent")
	}
	tmp := full + ".tmp"
	if err := ioutil.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write temp file")
	}
	if err := os.Rename(tmp, full); err != nil {
		return errors.Wrap(err, "rename into place")
	}
	return nil
}

// Rename implements FS.
func (l *Local) Rename(oldPath, newPath string) error {
	if err := os.MkdirAll(filepath.Dir(l.abs(newPath)), 0755); err != nil {
		return errors.Wrap(err, "mkdir parent")
	}
	if err := os.Rename(l.abs(oldPath), l.abs(newPath)); err != nil {
		return errors.Wrap(err, "rename")
	}
	return nil
}

// List implements FS.
func (l *Local) List(dir string) ([]string, error) {
	entries, err := ioutil.ReadDir(l.abs(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "readdir")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Mkdir implements FS.
func (l *Local) Mkdir(dir string) error {
	return errors.Wrap(os.MkdirAll(l.abs(dir), 0755), "mkdir")
}

// SafeMode implements FS. Local always reports that it is not in safe
// mode.
func (l *Local) SafeMode() (bool, error) {
	return false, nil
}
