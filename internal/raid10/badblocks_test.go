// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package raid10

import (
	"reflect"
	"testing"
)

func TestBadBlocksRecordMerge(t *testing.T) {
	var bb BadBlocks
	if !bb.Empty() {
		t.Fatal("new table not empty")
	}
	if !bb.Record(10, 5) || !bb.Record(15, 5) {
		t.Fatal("Record failed")
	}
	if bb.Count() != 1 {
		t.Fatalf("adjacent ranges not merged: %d ranges", bb.Count())
	}
	if got := bb.Ranges(); !reflect.DeepEqual(got, [][2]int64{{10, 10}}) {
		t.Fatalf("Ranges = %v, want [[10 10]]", got)
	}

	state, firstBad, badLen := bb.Check(12, 2)
	if state != BadBlocksUnacked || firstBad != 12 || badLen != 8 {
		t.Fatalf("Check(12, 2) = %v, %d, %d", state, firstBad, badLen)
	}
	state, firstBad, badLen = bb.Check(5, 6)
	if state != BadBlocksUnacked || firstBad != 10 || badLen != 10 {
		t.Fatalf("Check(5, 6) = %v, %d, %d", state, firstBad, badLen)
	}
	if state, _, _ = bb.Check(0, 5); state != BadBlocksNone {
		t.Fatalf("Check(0, 5) = %v, want none", state)
	}
	if state, _, _ = bb.Check(20, 5); state != BadBlocksNone {
		t.Fatalf("Check(20, 5) = %v, want none", state)
	}
}

func TestBadBlocksAck(t *testing.T) {
	var bb BadBlocks
	bb.Record(100, 8)
	if !bb.Unacked() {
		t.Fatal("fresh range already acked")
	}
	if !bb.AckAll() {
		t.Fatal("AckAll acked nothing")
	}
	if bb.Unacked() {
		t.Fatal("still unacked after AckAll")
	}
	if state, _, _ := bb.Check(100, 8); state != BadBlocksAcked {
		t.Fatalf("Check after ack = %v, want acked", state)
	}
	if bb.AckAll() {
		t.Fatal("second AckAll claims new work")
	}

	// A new overlapping record drops the union back to unacked.
	bb.Record(104, 8)
	if state, _, _ := bb.Check(100, 8); state != BadBlocksUnacked {
		t.Fatal("overlap with fresh range should read unacked")
	}
}

func TestBadBlocksClearSplits(t *testing.T) {
	var bb BadBlocks
	bb.Record(10, 10)
	bb.Clear(13, 4)
	if got := bb.Ranges(); !reflect.DeepEqual(got, [][2]int64{{10, 3}, {17, 3}}) {
		t.Fatalf("Ranges after split = %v", got)
	}
	if state, _, _ := bb.Check(13, 4); state != BadBlocksNone {
		t.Fatal("cleared middle still reads bad")
	}
	bb.Clear(0, 100)
	if !bb.Empty() {
		t.Fatal("full clear left ranges behind")
	}
}

func TestBadBlocksTableFull(t *testing.T) {
	var bb BadBlocks
	for i := 0; i < MaxBadBlocks; i++ {
		if !bb.Record(int64(i)*10, 1) {
			t.Fatalf("Record %d refused below the cap", i)
		}
	}
	if bb.Record(int64(MaxBadBlocks)*10, 1) {
		t.Fatal("Record above the cap accepted")
	}
	if bb.Count() != MaxBadBlocks {
		t.Fatalf("Count = %d, want %d", bb.Count(), MaxBadBlocks)
	}
	// Merging into an existing range still works at the cap.
	if !bb.Record(0, 2) {
		t.Fatal("merging record refused at the cap")
	}
}

func TestBadBlocksVersion(t *testing.T) {
	var bb BadBlocks
	v := bb.Version()
	bb.Record(10, 1)
	if bb.Version() == v {
		t.Fatal("Record did not bump the version")
	}
	v = bb.Version()
	bb.Clear(10, 1)
	if bb.Version() == v {
		t.Fatal("Clear did not bump the version")
	}
}
