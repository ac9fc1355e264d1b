// Copyright (c) 2025 kivimpq
// SPDX-License-Identifier: MIT

package mpq

import "go.uber.org/zap"

// logger is the package-wide structured logger. It defaults to a no-op
// logger so importing this package never prints anything unless the host
// application opts in with SetLogger.
var logger *zap.Logger = zap.NewNop()

// SetLogger replaces the package-wide logger used for archive open, build
// and rebuild, mutation commits and rejected mutation batches, and
// recoverable anomalies (e.g. a v1 archive_size that
// disagrees with the on-disk size). Passing nil restores the no-op logger.
//
// Logging never sits on the per-sector crypto or compression hot path; it is
// only emitted at file/archive granularity.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}
