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

package version

import (
	"testing"

	"github.com/coregrid/master/server/dfs"
	"github.com/coregrid/master/server/errs"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckWritesMarkerOnFreshCluster(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, Check(fs))

	data, err := fs.ReadFile(versionFile)
	require.NoError(t, err)
	assert.Equal(t, Current, string(data))
}

func TestCheckAcceptsSameMajorVersion(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(versionFile, []byte("1.2.3")))

	assert.NoError(t, Check(fs))
}

func TestCheckRejectsIncompatibleMajorVersion(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(versionFile, []byte("2.0.0")))

	err = Check(fs)
	assert.Equal(t, errs.ErrIncompatibleVersion, errors.Cause(err))
}

func TestCheckRejectsUnparseableVersion(t *testing.T) {
	fs, err := dfs.NewLocal(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.WriteFile(versionFile, []byte("not-a-version")))

	err = Check(fs)
	assert.Equal(t, errs.ErrIncompatibleVersion, errors.Cause(err))
}
