// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package md

import (
	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// Solo is the single-node cluster module: no peer ever holds the array, so
// nothing conflicts and broadcasts go nowhere. Multi-node coordination
// plugs in behind raid10.Cluster without engine changes.
type Solo struct{}

// AreaResyncing implements raid10.Cluster.
func (Solo) AreaResyncing(write bool, lo, hi int64) bool { return false }

// ResyncInfoUpdate implements raid10.Cluster.
func (Solo) ResyncInfoUpdate(lo, hi int64) core.Error { return core.NoError }

// ResizeBitmaps implements raid10.Cluster.
func (Solo) ResizeBitmaps(sectors int64) core.Error { return core.NoError }
