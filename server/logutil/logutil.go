// Copyright 2017 PingCAP, Inc.
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

// Package logutil sets up the master's logging sink: level, format,
// and optional file output with rotation, the way the teacher
// initializes its logger ahead of serving any request.
package logutil

import (
	"os"
	"path/filepath"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
)

const (
	defaultMaxSize    = 500 // MB
	defaultMaxBackups = 3
	defaultMaxAge     = 28 // days
)

// InitLogger installs the global logger at the given level, writing
// to logFile with rotation if set, or to stderr otherwise -- the
// master's one-time startup call, mirroring the teacher's own
// InitLogger entry point.
func InitLogger(level, logFile string) error {
	cfg := &log.Config{Level: level}
	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
			return errors.Wrap(err, "create log directory")
		}
		cfg.File = log.FileLogConfig{
			Filename:   logFile,
			MaxSize:    defaultMaxSize,
			MaxBackups: defaultMaxBackups,
			MaxDays:    defaultMaxAge,
		}
	}

	logger, props, err := log.InitLogger(cfg)
	if err != nil {
		return errors.Wrap(err, "init logger")
	}
	log.ReplaceGlobals(logger, props)
	return nil
}
