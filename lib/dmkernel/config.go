// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package dmkernel

import "github.com/zjc5415/lvm2/lib/containers"

// LogCallback receives one log line from the kernel boundary: a
// severity level, the call site that produced it, and a printf-style
// format and args.
type LogCallback func(level int, file string, line int, format string, args ...any)

// Config holds the process-wide configuration knobs: the device
// directory path, the logging callback, and a verbosity level.
// Setting Config mid-operation is allowed; it takes effect for calls
// issued after the Store.
type Config struct {
	DMDir       string
	LogCallback LogCallback
	// Verbose is a syslog-style severity threshold (0 silent, 3 errors,
	// 7 per-call tracing): logf drops any message whose level exceeds it.
	Verbose int
}

// DefaultDMDir is used when no Config has been stored yet.
const DefaultDMDir = "/dev/mapper"

// globalConfig holds *Config rather than Config: SyncValue requires a
// comparable type parameter, and Config's LogCallback field makes
// Config itself incomparable.
var globalConfig containers.SyncValue[*Config]

// SetConfig installs the process-wide configuration.
func SetConfig(c Config) {
	globalConfig.Store(&c)
}

// GetConfig returns the current process-wide configuration, or the
// zero Config with DMDir defaulted if none has been set.
func GetConfig() Config {
	c, ok := globalConfig.Load()
	if !ok || c == nil {
		return Config{DMDir: DefaultDMDir}
	}
	return *c
}

// logf reports one kernel-boundary log line through the configured
// LogCallback, dropped silently if none is set or level exceeds the
// configured Verbose threshold.
func logf(level int, format string, args ...any) {
	c := GetConfig()
	if c.LogCallback == nil || level > c.Verbose {
		return
	}
	c.LogCallback(level, "", 0, format, args...)
}
