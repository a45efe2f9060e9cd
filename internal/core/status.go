// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// DevState is the externally visible state of one mirror slot.
type DevState struct {
	// Present is false for an empty slot.
	Present bool

	// InSync is true when the device holds current data for its whole range.
	InSync bool

	// Faulty is true once the device has been failed out of the array.
	Faulty bool

	// Replacement is true for a rebuild target shadowing a primary.
	Replacement bool

	// RecoveryOffset is the highest sector for which the device's data is
	// trustworthy; MaxSector when fully recovered.
	RecoveryOffset int64

	// Sectors is the usable size of the device.
	Sectors int64

	// Pending is the outstanding I/O count.
	Pending int64

	// CorrectedErrors counts read errors repaired by rewrite.
	CorrectedErrors int64

	// BadBlocks is the number of recorded bad ranges.
	BadBlocks int
}

// DevMeta is the persistent per-device record carried by the superblock.
// It holds only what must survive a restart; runtime counters are not
// included.
type DevMeta struct {
	Slot        int
	Present     bool
	InSync      bool
	Faulty      bool
	Replacement bool

	RecoveryOffset int64

	// DataOffset is the device sector where the data area starts.
	DataOffset int64

	// BadRanges is the device's bad block table as (sector, length) pairs.
	// Restored ranges are considered acknowledged.
	BadRanges [][2]int64
}

// ArrayStatus is a point-in-time summary of the array, used by the status
// page and the cli.
type ArrayStatus struct {
	RaidDisks    int
	NearCopies   int
	FarCopies    int
	FarOffset    bool
	ChunkSectors int64
	Sectors      int64 // logical capacity
	Degraded     int
	Broken       bool

	// SyncString is the "[UU_U]" style per-device summary.
	SyncString string

	Devs []DevState

	Reshaping       bool
	ReshapeProgress int64
	MismatchCnt     int64
}
