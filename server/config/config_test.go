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

package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, defaultName, c.Name)
	assert.Equal(t, defaultRPCAddr, c.RPCAddr)
	assert.Equal(t, defaultRootPath, c.RootPath)
	assert.Equal(t, defaultLogLevel, c.LogLevel)
	assert.Equal(t, DefaultSessionTimeout, c.SessionTimeout)
	assert.Equal(t, DefaultNumRetries, c.NumRetries)
	assert.Equal(t, []string{"127.0.0.1:2379"}, c.EtcdEndpoints)
}

func TestLoadOverlaysTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "master.toml")
	contents := `
name = "custom-master"
rpc-addr = "10.0.0.1:17000"
session-timeout = 45
`
	require.NoError(t, writeFile(path, contents))

	c := New()
	require.NoError(t, Load(path, c))

	assert.Equal(t, "custom-master", c.Name)
	assert.Equal(t, "10.0.0.1:17000", c.RPCAddr)
	assert.Equal(t, 45, c.SessionTimeout)
	assert.Equal(t, 45*time.Second, Seconds(c.SessionTimeout))
	// Untouched fields keep their defaults.
	assert.Equal(t, defaultRootPath, c.RootPath)
}

func TestApplyExtraMinServers(t *testing.T) {
	c := New()
	require.NoError(t, c.ApplyExtra("min.servers=5"))
	assert.Equal(t, 5, c.MinServers)
	assert.Equal(t, "5", c.Extra["min.servers"])
}

func TestApplyExtraRootdir(t *testing.T) {
	c := New()
	require.NoError(t, c.ApplyExtra("rootdir=/mnt/hbase"))
	assert.Equal(t, "/mnt/hbase", c.RootDir)
}

func TestApplyExtraInvalidFormat(t *testing.T) {
	c := New()
	err := c.ApplyExtra("not-a-kv-pair")
	assert.Error(t, err)
}

func TestApplyExtraUnknownKeyIsTolerated(t *testing.T) {
	c := New()
	require.NoError(t, c.ApplyExtra("some.unknown.key=value"))
	assert.Equal(t, "value", c.Extra["some.unknown.key"])
}

func TestCloneIsDeep(t *testing.T) {
	c := New()
	c.EtcdEndpoints = []string{"a:1", "b:2"}
	c.Extra = map[string]string{"k": "v"}

	cp := c.Clone()
	cp.EtcdEndpoints[0] = "mutated"
	cp.Extra["k"] = "mutated"

	assert.Equal(t, "a:1", c.EtcdEndpoints[0])
	assert.Equal(t, "v", c.Extra["k"])
}

func writeFile(path, contents string) error {
	return ioutil.WriteFile(path, []byte(contents), 0644)
}
