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

package logsplit

import (
	"testing"

	"github.com/coregrid/master/server/dfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverNoLogDirectoryIsNoop(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)

	d := New(fs, "", nil)
	assert.NoError(t, d.Recover("server-a:1"))
}

func TestRecoverRenamesToSplittingThenArchives(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(".logs/server-a:1/0000001.log", []byte("wal-entry")))

	var sawSplitDir, sawOriginalDir string
	split := func(fs dfs.FS, rootDir, splitDir, originalDir string) (int, uint64, error) {
		sawSplitDir, sawOriginalDir = splitDir, originalDir
		return 1, 9, nil
	}

	d := New(fs, "", split)
	require.NoError(t, d.Recover("server-a:1"))

	assert.Equal(t, ".logs/server-a:1-splitting", sawSplitDir)
	assert.Equal(t, ".logs/server-a:1", sawOriginalDir)

	exists, err := fs.Exists(".logs/server-a:1")
	require.NoError(t, err)
	assert.False(t, exists, "original log dir should have been renamed away")

	exists, err = fs.Exists(".logs/server-a:1-splitting")
	require.NoError(t, err)
	assert.False(t, exists, "quarantine dir should have been archived away on success")
}

func TestRecoverLeavesQuarantineOnSplitFailure(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(".logs/server-b:1/0000001.log", []byte("wal-entry")))

	split := func(fs dfs.FS, rootDir, splitDir, originalDir string) (int, uint64, error) {
		return 0, 0, assert.AnError
	}

	d := New(fs, "", split)
	err = d.Recover("server-b:1")
	assert.Error(t, err)

	exists, err := fs.Exists(".logs/server-b:1-splitting")
	require.NoError(t, err)
	assert.True(t, exists, "quarantine dir should survive a failed split for retry")
}

func TestRecoverRecoversFromSplitPanic(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(".logs/server-c:1/0000001.log", []byte("wal-entry")))

	split := func(fs dfs.FS, rootDir, splitDir, originalDir string) (int, uint64, error) {
		panic("boom")
	}

	d := New(fs, "", split)
	err = d.Recover("server-c:1")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	exists, err := fs.Exists(".logs/server-c:1-splitting")
	require.NoError(t, err)
	assert.True(t, exists, "quarantine dir should survive a panicking split for retry")
}

func TestRecoverSerializesConcurrentCalls(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(".logs/server-d:1/0000001.log", []byte("wal-entry")))

	entered := make(chan struct{})
	release := make(chan struct{})
	split := func(fs dfs.FS, rootDir, splitDir, originalDir string) (int, uint64, error) {
		close(entered)
		<-release
		return 0, 0, nil
	}

	d := New(fs, "", split)

	done := make(chan struct{})
	go func() {
		d.Recover("server-d:1")
		close(done)
	}()
	<-entered

	// Recover for a different server blocks on the shared lock until
	// the in-flight recovery releases.
	second := make(chan struct{})
	go func() {
		d.Recover("server-e:1")
		close(second)
	}()

	select {
	case <-second:
		t.Fatal("second Recover should have blocked on the shared split lock")
	default:
	}

	close(release)
	<-done
	<-second
}
