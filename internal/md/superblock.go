// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

// Package md is the minimal logical-volume host around the raid10 engine.
// It owns the durable pieces the engine delegates: the superblock (array
// geometry, per-device state, reshape checkpoint, dirty bit), the
// write-intent bitmap, and the background recovery driver.
package md

import (
	"bytes"
	"encoding/binary"
	"hash/crc64"
	"os"
	"sync"

	log "github.com/golang/glog"

	"github.com/boltdb/bolt"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/raid10/internal/core"
	"github.com/westerndigitalcorporation/raid10/internal/raid10"
)

const (
	sbMagic   = uint32(0xa92b4efc)
	sbVersion = uint32(1)
)

var (
	superBucket  = []byte("super")
	bitmapBucket = []byte("bitmap")
	superKey     = []byte("sb")
	bitmapKey    = []byte("wi")

	crcTable = crc64.MakeTable(crc64.ECMA)
)

// Superblock is the persistent array record. One record per store; the
// engine itself never sees it, only the host does.
type Superblock struct {
	// Events counts superblock writes; the copy with the highest count
	// wins at assembly.
	Events uint64

	// Dirty is set before the first foreground write lands and cleared on
	// clean shutdown. A dirty superblock forces a resync at assembly.
	Dirty bool

	Layout raid10.Layout

	// DevSectors is the per-device data area size, chunk-aligned. The data
	// area starts at each device's DataOffset (carried in Devs).
	DevSectors int64

	// Reshape checkpoint. ReshapePos is core.MaxSector when no reshape is
	// in progress.
	Reshaping        bool
	ReshapePos       int64
	ReshapeBackwards bool
	OffsetDiff       int64
	OldLayout        raid10.Layout

	Devs []core.DevMeta
}

// Store persists superblock and bitmap records in a single bolt file.
type Store struct {
	mu sync.Mutex
	db *bolt.DB
}

// OpenStore opens (or creates) the metadata store at path.
func OpenStore(path string) (*Store, core.Error) {
	db, err := bolt.Open(path, os.FileMode(0600), nil)
	if err != nil {
		log.Errorf("md: failed to open store %q: %v", path, err)
		return nil, core.ErrIO
	}
	tx, err := db.Begin(true)
	if err != nil {
		db.Close()
		return nil, core.ErrIO
	}
	if _, err := tx.CreateBucketIfNotExists(superBucket); err != nil {
		tx.Rollback()
		db.Close()
		return nil, core.ErrIO
	}
	if _, err := tx.CreateBucketIfNotExists(bitmapBucket); err != nil {
		tx.Rollback()
		db.Close()
		return nil, core.ErrIO
	}
	if err := tx.Commit(); err != nil {
		db.Close()
		return nil, core.ErrIO
	}
	return &Store{db: db}, core.NoError
}

// Close closes the store.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		s.db.Close()
		s.db = nil
	}
}

// Load reads the superblock. A store that was never written returns
// (nil, NoError); a record that fails validation returns ErrCorruptData.
func (s *Store) Load() (*Superblock, core.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(superBucket).Get(superKey); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		return nil, core.ErrIO
	}
	if raw == nil {
		return nil, core.NoError
	}
	return decodeSuperblock(raw)
}

// Save bumps the event counter and writes the superblock through to stable
// storage before returning.
func (s *Store) Save(sb *Superblock) core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb.Events++
	raw := encodeSuperblock(sb)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(superBucket).Put(superKey, raw)
	})
	if err != nil {
		log.Errorf("md: superblock write failed: %v", err)
		sb.Events--
		return core.ErrIO
	}
	return core.NoError
}

// SaveBitmap persists a packed bitmap page, snappy-compressed.
func (s *Store) SaveBitmap(raw []byte) core.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := snappy.Encode(nil, raw)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bitmapBucket).Put(bitmapKey, enc)
	})
	if err != nil {
		log.Errorf("md: bitmap write failed: %v", err)
		return core.ErrIO
	}
	return core.NoError
}

// LoadBitmap reads back the packed bitmap page; nil if none was saved.
func (s *Store) LoadBitmap() ([]byte, core.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var enc []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bitmapBucket).Get(bitmapKey); v != nil {
			enc = make([]byte, len(v))
			copy(enc, v)
		}
		return nil
	})
	if err != nil {
		return nil, core.ErrIO
	}
	if enc == nil {
		return nil, core.NoError
	}
	raw, derr := snappy.Decode(nil, enc)
	if derr != nil {
		return nil, core.ErrCorruptData
	}
	return raw, core.NoError
}

func putBool(buf *bytes.Buffer, b bool) {
	if b {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putI64(buf *bytes.Buffer, v int64) {
	putU64(buf, uint64(v))
}

func putLayout(buf *bytes.Buffer, l *raid10.Layout) {
	putU32(buf, uint32(l.RaidDisks))
	putU32(buf, uint32(l.NearCopies))
	putU32(buf, uint32(l.FarCopies))
	putBool(buf, l.FarOffset)
	putU32(buf, uint32(l.FarSets))
	putI64(buf, l.ChunkSectors)
}

func encodeSuperblock(sb *Superblock) []byte {
	var buf bytes.Buffer
	putU32(&buf, sbMagic)
	putU32(&buf, sbVersion)
	putU64(&buf, sb.Events)
	putBool(&buf, sb.Dirty)
	putLayout(&buf, &sb.Layout)
	putI64(&buf, sb.DevSectors)
	putBool(&buf, sb.Reshaping)
	putI64(&buf, sb.ReshapePos)
	putBool(&buf, sb.ReshapeBackwards)
	putI64(&buf, sb.OffsetDiff)
	putLayout(&buf, &sb.OldLayout)
	putU32(&buf, uint32(len(sb.Devs)))
	for i := range sb.Devs {
		d := &sb.Devs[i]
		putU32(&buf, uint32(d.Slot))
		putBool(&buf, d.Present)
		putBool(&buf, d.InSync)
		putBool(&buf, d.Faulty)
		putBool(&buf, d.Replacement)
		putI64(&buf, d.RecoveryOffset)
		putI64(&buf, d.DataOffset)
		putU32(&buf, uint32(len(d.BadRanges)))
		for _, br := range d.BadRanges {
			putI64(&buf, br[0])
			putI64(&buf, br[1])
		}
	}
	putU64(&buf, crc64.Checksum(buf.Bytes(), crcTable))
	return buf.Bytes()
}

type sbReader struct {
	b   []byte
	off int
	bad bool
}

func (r *sbReader) take(n int) []byte {
	if r.bad || r.off+n > len(r.b) {
		r.bad = true
		return make([]byte, n)
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

func (r *sbReader) bool() bool  { return r.take(1)[0] != 0 }
func (r *sbReader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }
func (r *sbReader) u64() uint64 { return binary.LittleEndian.Uint64(r.take(8)) }
func (r *sbReader) i64() int64  { return int64(r.u64()) }

func (r *sbReader) layout() raid10.Layout {
	var l raid10.Layout
	l.RaidDisks = int(r.u32())
	l.NearCopies = int(r.u32())
	l.FarCopies = int(r.u32())
	l.FarOffset = r.bool()
	l.FarSets = raid10.FarSetMode(r.u32())
	l.ChunkSectors = r.i64()
	return l
}

func decodeSuperblock(raw []byte) (*Superblock, core.Error) {
	if len(raw) < 8 {
		return nil, core.ErrCorruptData
	}
	body, sum := raw[:len(raw)-8], binary.LittleEndian.Uint64(raw[len(raw)-8:])
	if crc64.Checksum(body, crcTable) != sum {
		return nil, core.ErrCorruptData
	}
	r := &sbReader{b: body}
	if r.u32() != sbMagic || r.u32() != sbVersion {
		return nil, core.ErrCorruptData
	}
	sb := &Superblock{}
	sb.Events = r.u64()
	sb.Dirty = r.bool()
	sb.Layout = r.layout()
	sb.DevSectors = r.i64()
	sb.Reshaping = r.bool()
	sb.ReshapePos = r.i64()
	sb.ReshapeBackwards = r.bool()
	sb.OffsetDiff = r.i64()
	sb.OldLayout = r.layout()
	ndevs := int(r.u32())
	if r.bad || ndevs > 4096 {
		return nil, core.ErrCorruptData
	}
	for i := 0; i < ndevs; i++ {
		var d core.DevMeta
		d.Slot = int(r.u32())
		d.Present = r.bool()
		d.InSync = r.bool()
		d.Faulty = r.bool()
		d.Replacement = r.bool()
		d.RecoveryOffset = r.i64()
		d.DataOffset = r.i64()
		nbad := int(r.u32())
		if r.bad || nbad > 1<<20 {
			return nil, core.ErrCorruptData
		}
		for j := 0; j < nbad; j++ {
			d.BadRanges = append(d.BadRanges, [2]int64{r.i64(), r.i64()})
		}
		sb.Devs = append(sb.Devs, d)
	}
	if r.bad || r.off != len(body) {
		return nil, core.ErrCorruptData
	}
	return sb, core.NoError
}
