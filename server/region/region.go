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

// Package region defines the identity and key-range semantics of a
// region, the unit of assignment and recovery.
package region

import (
	"bytes"
	"fmt"
)

// Name of the two catalog tables. The root region is a singleton of
// RootTableName; the META regions belong to MetaTableName. Both are
// protected: they cannot be created, altered, enabled, disabled, or
// deleted through TableOps.
const (
	RootTableName = "-ROOT-"
	MetaTableName = ".META."
)

// Schema is an immutable snapshot of a table's column family
// definitions, carried by every region so a region server can open it
// without a second round trip to META.
type Schema struct {
	TableName string
	Columns   []string
	Version   uint64
}

// Region is the immutable identity of a contiguous key range of a
// table: (table_name, start_key, end_key, region_id). start/end are
// byte strings; an empty start_key means -infinity and an empty
// end_key means +infinity.
type Region struct {
	ID        uint64
	TableName string
	StartKey  []byte
	EndKey    []byte
	Schema    Schema
}

// ID generation for regions is delegated to the caller (TableOps uses
// a process-wide allocator); Region itself carries no ID allocation
// logic, mirroring core.RegionInfo wrapping a pre-allocated identity.

// IsRoot reports whether r is the singleton root region.
func (r *Region) IsRoot() bool {
	return r.TableName == RootTableName
}

// IsMeta reports whether r belongs to the META catalog.
func (r *Region) IsMeta() bool {
	return r.TableName == MetaTableName
}

// IsCatalog reports whether r is root or META; such regions are
// always placed first and are exempt from admin disable/delete.
func (r *Region) IsCatalog() bool {
	return r.IsRoot() || r.IsMeta()
}

// ContainsKey reports whether key falls in [StartKey, EndKey).
func (r *Region) ContainsKey(key []byte) bool {
	if len(r.StartKey) > 0 && bytes.Compare(key, r.StartKey) < 0 {
		return false
	}
	if len(r.EndKey) > 0 && bytes.Compare(key, r.EndKey) >= 0 {
		return false
	}
	return true
}

// String renders a region's identity for logs, matching the
// table,start,id triple META itself is keyed by.
func (r *Region) String() string {
	return fmt.Sprintf("%s,%x,%d", r.TableName, r.StartKey, r.ID)
}

// MetaRowKey is the META row key under which this region's location is
// recorded: "tableName,startKey,regionID".
func (r *Region) MetaRowKey() string {
	return fmt.Sprintf("%s,%x,%020d", r.TableName, r.StartKey, r.ID)
}

// SplitKeys partitions [-inf, +inf) into len(keys)+1 regions around the
// given sorted split keys, daisy-chaining start/end the way TableOps
// creates a table's initial regions: the first region's start key and
// the last region's end key are both empty (+-infinity).
func SplitKeys(table string, schema Schema, keys [][]byte, nextID func() uint64) []*Region {
	bounds := make([][]byte, 0, len(keys)+2)
	bounds = append(bounds, nil)
	bounds = append(bounds, keys...)
	bounds = append(bounds, nil)

	regions := make([]*Region, 0, len(bounds)-1)
	for i := 0; i < len(bounds)-1; i++ {
		regions = append(regions, &Region{
			ID:        nextID(),
			TableName: table,
			StartKey:  bounds[i],
			EndKey:    bounds[i+1],
			Schema:    schema,
		})
	}
	return regions
}

// PartitionsWholeKeyspace reports whether regions, sorted by StartKey,
// exactly partition [-inf, +inf): first StartKey empty, last EndKey
// empty, and every EndKey[i] == StartKey[i+1]. Used by the round-trip
// testable property in the specification.
func PartitionsWholeKeyspace(regions []*Region) bool {
	if len(regions) == 0 {
		return false
	}
	if len(regions[0].StartKey) != 0 {
		return false
	}
	if len(regions[len(regions)-1].EndKey) != 0 {
		return false
	}
	for i := 0; i < len(regions)-1; i++ {
		if !bytes.Equal(regions[i].EndKey, regions[i+1].StartKey) {
			return false
		}
	}
	return true
}
