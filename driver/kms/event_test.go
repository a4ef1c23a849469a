// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package kms

import (
	"encoding/binary"
	"testing"
)

// putEvent appends one kernel event with the given type, total
// length and user data.
func putEvent(buf []byte, typ uint32, length int, userData uint64) []byte {
	e := make([]byte, length)
	binary.NativeEndian.PutUint32(e[0:], typ)
	binary.NativeEndian.PutUint32(e[4:], uint32(length))
	if length >= 16 {
		binary.NativeEndian.PutUint64(e[8:], userData)
	}
	return append(buf, e...)
}

func TestDecodeEvents(t *testing.T) {
	var buf []byte
	buf = putEvent(buf, eventVBlank, 32, 11)
	buf = putEvent(buf, eventFlipComplete, 32, 22)
	buf = putEvent(buf, 0x7f, 16, 0) // unknown type passes through

	evs := decodeEvents(buf)
	if len(evs) != 3 {
		t.Fatalf("decodeEvents: len\nhave %d\nwant 3", len(evs))
	}
	if evs[0].typ != eventVBlank || evs[0].userData != 11 {
		t.Fatalf("decodeEvents: evs[0]\nhave %+v\nwant {%d 11}", evs[0], eventVBlank)
	}
	if evs[1].typ != eventFlipComplete || evs[1].userData != 22 {
		t.Fatalf("decodeEvents: evs[1]\nhave %+v\nwant {%d 22}", evs[1], eventFlipComplete)
	}
	if evs[2].typ != 0x7f {
		t.Fatalf("decodeEvents: evs[2].typ\nhave %#x\nwant 0x7f", evs[2].typ)
	}
}

func TestDecodeEventsTruncated(t *testing.T) {
	var buf []byte
	buf = putEvent(buf, eventFlipComplete, 32, 1)
	whole := len(buf)
	buf = putEvent(buf, eventVBlank, 32, 2)

	// Cut into the second event's payload.
	evs := decodeEvents(buf[:whole+10])
	if len(evs) != 1 {
		t.Fatalf("decodeEvents: len\nhave %d\nwant 1", len(evs))
	}
	if evs[0].typ != eventFlipComplete {
		t.Fatalf("decodeEvents: evs[0].typ\nhave %#x\nwant %#x", evs[0].typ, eventFlipComplete)
	}
}

func TestDecodeEventsMalformed(t *testing.T) {
	// A length below the header size must not loop forever.
	var buf []byte
	buf = putEvent(buf, eventVBlank, 8, 0)
	buf[4] = 4 // length = 4
	if evs := decodeEvents(buf); len(evs) != 0 {
		t.Fatalf("decodeEvents: len\nhave %d\nwant 0", len(evs))
	}
	if evs := decodeEvents(nil); len(evs) != 0 {
		t.Fatalf("decodeEvents(nil): len\nhave %d\nwant 0", len(evs))
	}
}
