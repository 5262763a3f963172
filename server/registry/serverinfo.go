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

// Package registry tracks live/dead region servers, their loads, and
// last heartbeat (spec.md §4.3).
package registry

import (
	"fmt"
	"time"
)

// Load is the self-reported capacity signal of a region server: region
// count, request rate, and on-disk storefile size.
type Load struct {
	RegionCount    int
	RequestRate    float64
	StoreFileBytes uint64
}

// ServerInfo identifies one region server incarnation.
type ServerInfo struct {
	HostPort  string
	StartCode int64
	Load      Load

	LastReport time.Time

	// Draining is set by Registry.BeginDrain when master shutdown
	// begins; a draining server receives no new assignments.
	Draining bool
}

// Name is the server_name identity: host:port + start_code, so that a
// reincarnation of the same host:port is a distinct identity.
func (s *ServerInfo) Name() string {
	return fmt.Sprintf("%s,%d", s.HostPort, s.StartCode)
}
