// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package kms

import (
	"encoding/binary"
	"os"
	"unsafe"

	"github.com/NeowayLabs/drm"
	"github.com/NeowayLabs/drm/ioctl"
)

// drm_mode_crtc_page_flip.
type sysPageFlip struct {
	crtcID   uint32
	fbID     uint32
	flags    uint32
	reserved uint32
	userData uint64
}

// DRM_MODE_PAGE_FLIP_EVENT: deliver a completion event on the
// device fd when the flip takes effect.
const pageFlipEvent = 0x01

// DRM_IOWR(0xB0, struct drm_mode_crtc_page_flip)
var ioctlModePageFlip = ioctl.NewCode(ioctl.Read|ioctl.Write,
	uint16(unsafe.Sizeof(sysPageFlip{})), drm.IOCTLBase, 0xB0)

// pageFlipTo asks the display controller to switch scanout of
// crtcID to fbID at the next vertical blank, with completion
// notification enabled.
// This is the legacy, non-atomic flip API.
func pageFlipTo(file *os.File, crtcID, fbID uint32) error {
	f := sysPageFlip{crtcID: crtcID, fbID: fbID, flags: pageFlipEvent}
	return ioctl.Do(uintptr(file.Fd()), uintptr(ioctlModePageFlip),
		uintptr(unsafe.Pointer(&f)))
}

// Kernel event types (drm_event.type).
const (
	eventVBlank       = 0x01
	eventFlipComplete = 0x02
)

// event is one decoded kernel display event.
type event struct {
	typ      uint32
	userData uint64
}

// decodeEvents parses a batch of kernel display events as read
// from the device fd. Each event starts with a drm_event header
// (type, length); vblank and flip-complete events carry a
// drm_event_vblank payload whose first field is user_data.
func decodeEvents(buf []byte) []event {
	var evs []event
	for off := 0; off+8 <= len(buf); {
		typ := binary.NativeEndian.Uint32(buf[off:])
		length := int(binary.NativeEndian.Uint32(buf[off+4:]))
		if length < 8 || off+length > len(buf) {
			// Truncated or malformed tail; the kernel
			// writes whole events, so stop here.
			break
		}
		e := event{typ: typ}
		if (typ == eventVBlank || typ == eventFlipComplete) && length >= 16 {
			e.userData = binary.NativeEndian.Uint64(buf[off+8:])
		}
		evs = append(evs, e)
		off += length
	}
	return evs
}

// readEvents drains pending kernel events from the device fd.
// It must be called only when the fd is readable.
func readEvents(file *os.File) ([]event, error) {
	var buf [1024]byte
	n, err := file.Read(buf[:])
	if err != nil {
		return nil, err
	}
	return decodeEvents(buf[:n]), nil
}
