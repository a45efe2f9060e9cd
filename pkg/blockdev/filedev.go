// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockdev

import (
	"context"
	"os"
	"sync/atomic"

	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// FileDev is a Dev backed by a regular file or a raw block device node.
type FileDev struct {
	f          *os.File
	sectors    int64
	rotational bool
	closed     int32
}

// OpenFileDev opens (creating if necessary) a file-backed device of the
// given size. If sectors is zero the current file size is used.
func OpenFileDev(path string, sectors int64, rotational bool) (*FileDev, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		log.Errorf("couldn't open device file %s: %s", path, err)
		return nil, err
	}
	if sectors == 0 {
		fi, serr := f.Stat()
		if serr != nil {
			f.Close()
			return nil, serr
		}
		sectors = fi.Size() >> core.SectorShift
	} else if err = f.Truncate(sectors * core.SectorSize); err != nil {
		f.Close()
		return nil, err
	}
	return &FileDev{f: f, sectors: sectors, rotational: rotational}, nil
}

// ReadSectors reads from the backing file.
func (d *FileDev) ReadSectors(ctx context.Context, sector int64, b []byte) core.Error {
	if atomic.LoadInt32(&d.closed) != 0 {
		return core.ErrStopped
	}
	if err := checkRange(d, sector, len(b)); err != core.NoError {
		return err
	}
	n, err := d.f.ReadAt(b, sector*core.SectorSize)
	if err != nil && n < len(b) {
		log.V(2).Infof("filedev %s: read %d sectors at %d failed: %s", d.f.Name(), len(b)>>core.SectorShift, sector, err)
		return core.ErrIO
	}
	return core.NoError
}

// WriteSectors writes to the backing file.
func (d *FileDev) WriteSectors(ctx context.Context, sector int64, b []byte) core.Error {
	if atomic.LoadInt32(&d.closed) != 0 {
		return core.ErrStopped
	}
	if err := checkRange(d, sector, len(b)); err != core.NoError {
		return err
	}
	if _, err := d.f.WriteAt(b, sector*core.SectorSize); err != nil {
		log.V(2).Infof("filedev %s: write %d sectors at %d failed: %s", d.f.Name(), len(b)>>core.SectorShift, sector, err)
		return core.ErrIO
	}
	return core.NoError
}

// Discard writes zeroes over the range. Punching holes would be better but
// needs platform-specific fallocate; zeroes keep read-after-discard semantics.
func (d *FileDev) Discard(ctx context.Context, sector, nsectors int64) core.Error {
	if atomic.LoadInt32(&d.closed) != 0 {
		return core.ErrStopped
	}
	zero := make([]byte, core.PageSize)
	for off := sector * core.SectorSize; off < (sector+nsectors)*core.SectorSize; off += core.PageSize {
		n := (sector+nsectors)*core.SectorSize - off
		if n > core.PageSize {
			n = core.PageSize
		}
		if _, err := d.f.WriteAt(zero[:n], off); err != nil {
			return core.ErrIO
		}
	}
	return core.NoError
}

// Flush fsyncs the backing file.
func (d *FileDev) Flush(ctx context.Context) core.Error {
	if atomic.LoadInt32(&d.closed) != 0 {
		return core.ErrStopped
	}
	if err := d.f.Sync(); err != nil {
		return core.ErrIO
	}
	return core.NoError
}

// Sectors returns the device size.
func (d *FileDev) Sectors() int64 {
	return d.sectors
}

// Rotational reports the configured seek model.
func (d *FileDev) Rotational() bool {
	return d.rotational
}

// Close closes the backing file.
func (d *FileDev) Close() core.Error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return core.ErrStopped
	}
	if err := d.f.Close(); err != nil {
		return core.ErrIO
	}
	return core.NoError
}
