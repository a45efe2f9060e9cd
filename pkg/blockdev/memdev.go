// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockdev

import (
	"context"
	"sync"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// MemDev is a memory-only implementation of the Dev interface that is useful
// for testing. It supports injecting errors on arbitrary sector ranges so
// tests can exercise the repair paths.
type MemDev struct {
	lock       sync.Mutex
	data       []byte // nil after Close
	sectors    int64
	rotational bool

	// Injected failures. A read/write touching any sector in the range
	// fails with the given error. Reads fail before transferring data,
	// writes fail without applying the whole buffer (the prefix before the
	// bad range is applied, like a real device).
	readFaults  []faultRange
	writeFaults []faultRange

	reads    int64
	writes   int64
	discards int64
	flushes  int64
}

type faultRange struct {
	sector, nsectors int64
	err              core.Error
	remaining        int // -1 = forever
}

// NewMemDev returns a MemDev with the given number of sectors.
func NewMemDev(sectors int64) *MemDev {
	return &MemDev{
		data:    make([]byte, sectors*core.SectorSize),
		sectors: sectors,
	}
}

// SetRotational marks the device rotational for read-balance policy tests.
func (m *MemDev) SetRotational(rot bool) {
	m.lock.Lock()
	m.rotational = rot
	m.lock.Unlock()
}

// FailReads makes reads touching [sector, sector+nsectors) fail with err.
// count bounds how many operations fail; count < 0 means forever.
func (m *MemDev) FailReads(sector, nsectors int64, err core.Error, count int) {
	m.lock.Lock()
	m.readFaults = append(m.readFaults, faultRange{sector, nsectors, err, count})
	m.lock.Unlock()
}

// FailWrites makes writes touching [sector, sector+nsectors) fail with err.
func (m *MemDev) FailWrites(sector, nsectors int64, err core.Error, count int) {
	m.lock.Lock()
	m.writeFaults = append(m.writeFaults, faultRange{sector, nsectors, err, count})
	m.lock.Unlock()
}

// ClearFaults removes all injected failures.
func (m *MemDev) ClearFaults() {
	m.lock.Lock()
	m.readFaults = nil
	m.writeFaults = nil
	m.lock.Unlock()
}

// Counts returns the number of reads and writes the device has served,
// including failed ones.
func (m *MemDev) Counts() (reads, writes int64) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.reads, m.writes
}

func checkFaults(faults []faultRange, sector, nsectors int64) core.Error {
	for i := range faults {
		f := &faults[i]
		if f.remaining == 0 {
			continue
		}
		if sector < f.sector+f.nsectors && f.sector < sector+nsectors {
			if f.remaining > 0 {
				f.remaining--
			}
			return f.err
		}
	}
	return core.NoError
}

// ReadSectors reads from the MemDev.
func (m *MemDev) ReadSectors(ctx context.Context, sector int64, b []byte) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.data == nil {
		return core.ErrStopped
	}
	if err := checkRange(m, sector, len(b)); err != core.NoError {
		return err
	}
	m.reads++
	if err := checkFaults(m.readFaults, sector, int64(len(b)>>core.SectorShift)); err != core.NoError {
		return err
	}
	copy(b, m.data[sector*core.SectorSize:])
	return core.NoError
}

// WriteSectors writes to the MemDev.
func (m *MemDev) WriteSectors(ctx context.Context, sector int64, b []byte) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.data == nil {
		return core.ErrStopped
	}
	if err := checkRange(m, sector, len(b)); err != core.NoError {
		return err
	}
	m.writes++
	nsectors := int64(len(b) >> core.SectorShift)
	if err := checkFaults(m.writeFaults, sector, nsectors); err != core.NoError {
		// Apply the prefix before the first faulted sector, like a real
		// device that fails partway through a transfer.
		for _, f := range m.writeFaults {
			if f.sector > sector && f.sector < sector+nsectors {
				copy(m.data[sector*core.SectorSize:], b[:(f.sector-sector)*core.SectorSize])
				break
			}
		}
		return err
	}
	copy(m.data[sector*core.SectorSize:], b)
	return core.NoError
}

// Discard zeroes the given range.
func (m *MemDev) Discard(ctx context.Context, sector, nsectors int64) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.data == nil {
		return core.ErrStopped
	}
	if err := checkRange(m, sector, int(nsectors)*core.SectorSize); err != core.NoError {
		return err
	}
	m.discards++
	zero := m.data[sector*core.SectorSize : (sector+nsectors)*core.SectorSize]
	for i := range zero {
		zero[i] = 0
	}
	return core.NoError
}

// Flush is a no-op for memory.
func (m *MemDev) Flush(ctx context.Context) core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.data == nil {
		return core.ErrStopped
	}
	m.flushes++
	return core.NoError
}

// Sectors returns the device size.
func (m *MemDev) Sectors() int64 {
	return m.sectors
}

// Rotational reports the configured seek model.
func (m *MemDev) Rotational() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.rotational
}

// Close releases the backing memory.
func (m *MemDev) Close() core.Error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.data = nil
	return core.NoError
}
