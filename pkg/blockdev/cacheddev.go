// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package blockdev

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/westerndigitalcorporation/raid10/internal/core"
)

// CachedDev wraps a Dev with a page-granular LRU read cache. Writes go
// through to the underlying device and invalidate overlapping pages, so the
// cache never serves stale data for a completed write.
type CachedDev struct {
	dev Dev

	lock  sync.Mutex
	cache *lru.Cache // page index -> []byte of PageSize

	hits   int64
	misses int64
}

// NewCachedDev wraps dev with a cache of maxPages pages.
func NewCachedDev(dev Dev, maxPages int) *CachedDev {
	return &CachedDev{dev: dev, cache: lru.New(maxPages)}
}

// Stats returns cache hit/miss counts.
func (c *CachedDev) Stats() (hits, misses int64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.hits, c.misses
}

// ReadSectors serves page-aligned ranges from the cache where possible and
// fills missed pages from the device. Unaligned ranges bypass the cache.
func (c *CachedDev) ReadSectors(ctx context.Context, sector int64, b []byte) core.Error {
	nsectors := int64(len(b) >> core.SectorShift)
	if sector%core.PageSectors != 0 || nsectors%core.PageSectors != 0 {
		return c.dev.ReadSectors(ctx, sector, b)
	}

	for off := int64(0); off < nsectors; off += core.PageSectors {
		page := (sector + off) / core.PageSectors
		dst := b[off*core.SectorSize : (off+core.PageSectors)*core.SectorSize]

		c.lock.Lock()
		if v, ok := c.cache.Get(page); ok {
			c.hits++
			copy(dst, v.([]byte))
			c.lock.Unlock()
			continue
		}
		c.misses++
		c.lock.Unlock()

		if err := c.dev.ReadSectors(ctx, sector+off, dst); err != core.NoError {
			return err
		}
		cached := make([]byte, core.PageSize)
		copy(cached, dst)
		c.lock.Lock()
		c.cache.Add(page, cached)
		c.lock.Unlock()
	}
	return core.NoError
}

// WriteSectors writes through and drops overlapping cached pages.
func (c *CachedDev) WriteSectors(ctx context.Context, sector int64, b []byte) core.Error {
	err := c.dev.WriteSectors(ctx, sector, b)
	c.invalidate(sector, int64(len(b)>>core.SectorShift))
	return err
}

// Discard passes through and drops overlapping cached pages.
func (c *CachedDev) Discard(ctx context.Context, sector, nsectors int64) core.Error {
	err := c.dev.Discard(ctx, sector, nsectors)
	c.invalidate(sector, nsectors)
	return err
}

func (c *CachedDev) invalidate(sector, nsectors int64) {
	first := sector / core.PageSectors
	last := (sector + nsectors - 1) / core.PageSectors
	c.lock.Lock()
	for page := first; page <= last; page++ {
		c.cache.Remove(page)
	}
	c.lock.Unlock()
}

// Flush passes through.
func (c *CachedDev) Flush(ctx context.Context) core.Error {
	return c.dev.Flush(ctx)
}

// Sectors returns the underlying device size.
func (c *CachedDev) Sectors() int64 {
	return c.dev.Sectors()
}

// Rotational reports the underlying seek model.
func (c *CachedDev) Rotational() bool {
	return c.dev.Rotational()
}

// Close drops the cache and closes the underlying device.
func (c *CachedDev) Close() core.Error {
	c.lock.Lock()
	c.cache.Clear()
	c.lock.Unlock()
	return c.dev.Close()
}
