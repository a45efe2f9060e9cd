// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

import "math"

const (
	// SectorShift converts between bytes and 512-byte sectors.
	SectorShift = 9

	// SectorSize is the unit all engine addresses are expressed in.
	SectorSize = 1 << SectorShift

	// PageSize is the granularity of error repair and resync buffers.
	PageSize = 4096

	// PageSectors is PageSize expressed in sectors.
	PageSectors = PageSize / SectorSize
)

// MaxSector is the sentinel meaning "no sector" / "unbounded". It marks an
// idle reshape and a fully recovered device.
const MaxSector = int64(math.MaxInt64)
