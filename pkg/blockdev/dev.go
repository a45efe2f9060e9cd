// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package blockdev provides the block device abstraction the raid10 engine
// submits per-copy I/O to, plus file-backed, memory-backed and caching
// implementations.
package blockdev

import (
	"context"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// Dev is a fixed-size array of sectors. All offsets and lengths are in
// 512-byte sectors; data buffers must be a whole number of sectors.
//
// Dev is thread-safe in general, BUT: concurrent writes to overlapping
// ranges may interleave at sector granularity. The engine's barrier and
// per-request ownership rules are what keep overlapping writers out.
type Dev interface {
	// ReadSectors fills b from the device starting at 'sector'.
	ReadSectors(ctx context.Context, sector int64, b []byte) core.Error

	// WriteSectors writes b to the device starting at 'sector'.
	WriteSectors(ctx context.Context, sector int64, b []byte) core.Error

	// Discard drops nsectors starting at 'sector'. Reads of a discarded
	// range return zeroes. Implementations may ignore it.
	Discard(ctx context.Context, sector, nsectors int64) core.Error

	// Flush forces previously written data to stable storage.
	Flush(ctx context.Context) core.Error

	// Sectors returns the usable size of the device.
	Sectors() int64

	// Rotational reports whether seek distance matters for this device.
	// The read balancer uses it to pick a selection policy.
	Rotational() bool

	// Close releases the device. Subsequent calls return ErrStopped.
	Close() core.Error
}

func checkRange(d Dev, sector int64, nbytes int) core.Error {
	if sector < 0 || nbytes%core.SectorSize != 0 {
		return core.ErrInvalidArgument
	}
	if sector+int64(nbytes>>core.SectorShift) > d.Sectors() {
		return core.ErrInvalidArgument
	}
	return core.NoError
}
