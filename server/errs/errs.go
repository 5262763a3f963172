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

// Package errs defines the typed error kinds the master core raises,
// per the error handling design in the specification.
package errs

import "github.com/pkg/errors"

// Sentinel error kinds raised by the master core. RPC handlers and the
// main control loop classify errors by comparing against these with
// errors.Cause, never by matching on message text.
var (
	ErrMasterNotRunning         = errors.New("master is not running")
	ErrNotAllMetaRegionsOnline  = errors.New("not all meta regions are online")
	ErrInsufficientServers      = errors.New("insufficient region servers")
	ErrTableExists              = errors.New("table already exists")
	ErrTableNotFound            = errors.New("table not found")
	ErrProtectedTable           = errors.New("table is protected and cannot be mutated")
	ErrIllegalAssignmentTransition = errors.New("illegal assignment state transition")
	ErrInvalidSplitPoint        = errors.New("split point is outside region range")
	ErrCoordUnavailable         = errors.New("coordination store unavailable")
	ErrFatalDFSUnavailable      = errors.New("distributed file system unavailable")
	ErrIncompatibleVersion      = errors.New("on-disk version is incompatible with this binary")
	ErrMasterShuttingDown       = errors.New("master is shutting down")
	ErrNotReady                 = errors.New("master is not ready to service this request")
)

// Is reports whether err has the given sentinel as its root cause.
func Is(err, sentinel error) bool {
	return errors.Cause(err) == sentinel
}
