// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package kms

import (
	"fmt"

	"github.com/NeowayLabs/drm/mode"
	"golang.org/x/sys/unix"
)

// bufferCount is the depth of the scanout buffer pool.
// Two buffers suffice for flip pipelining: while one is scanned
// out the other is being rendered. Display.Present's initial-
// frame shortcut depends on there being at least two.
const bufferCount = 2

// Buffer is one renderable scanout buffer.
// Pix is the CPU mapping of the whole buffer in XRGB8888; rows
// are Pitch bytes apart. The buffer that the display controller
// is scanning out, or that is mid-flip, is retained by the
// page-flip machine and must not be drawn into.
type Buffer struct {
	card   *Card
	dev    scanoutDevice
	handle uint32
	fb     uint32 // kernel framebuffer id; 0 when none attached
	Width  int
	Height int
	Pitch  int
	Pix    []byte
}

// newBuffer allocates and maps one dumb buffer of the given size.
func newBuffer(card *Card, dev scanoutDevice, width, height int) (*Buffer, error) {
	fb, err := mode.CreateFB(card.file, uint16(width), uint16(height), 32)
	if err != nil {
		return nil, fmt.Errorf("kms: creating scanout buffer: %w", err)
	}
	off, err := mode.MapDumb(card.file, fb.Handle)
	if err != nil {
		mode.DestroyDumb(card.file, fb.Handle)
		return nil, fmt.Errorf("kms: mapping scanout buffer: %w", err)
	}
	pix, err := unix.Mmap(card.Fd(), int64(off), int(fb.Size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		mode.DestroyDumb(card.file, fb.Handle)
		return nil, fmt.Errorf("kms: mapping scanout buffer: %w", err)
	}
	return &Buffer{
		card:   card.Retain(),
		dev:    dev,
		handle: fb.Handle,
		Width:  width,
		Height: height,
		Pitch:  int(fb.Pitch),
		Pix:    pix,
	}, nil
}

// setFramebuffer attaches a registered kernel framebuffer to the
// buffer, so that its lifetime is tied to the buffer's. Any
// previously attached framebuffer is released first.
func (b *Buffer) setFramebuffer(id uint32) {
	b.dropFramebuffer()
	b.fb = id
}

// dropFramebuffer releases the attached kernel framebuffer, if
// any. The kernel invalidates a framebuffer implicitly when the
// memory it references goes away, so teardown must tolerate
// running after that: errors are ignored.
func (b *Buffer) dropFramebuffer() {
	if b.fb == 0 {
		return
	}
	b.dev.rmFB(b.fb)
	b.fb = 0
}

// destroy releases the framebuffer, the CPU mapping and the
// buffer memory, in that order, then drops the device reference.
func (b *Buffer) destroy() {
	b.dropFramebuffer()
	if b.Pix != nil {
		unix.Munmap(b.Pix)
		b.Pix = nil
	}
	if b.handle != 0 {
		mode.DestroyDumb(b.card.file, b.handle)
		b.handle = 0
	}
	b.card.Release()
	b.card = nil
}

// Surface is the fixed pool of scanout buffers bound to the
// selected mode's size. The renderer draws into Back's pixels;
// LockFront then registers the drawn buffer with the kernel and
// rotates the pool so the next frame targets another buffer.
type Surface struct {
	card *Card
	dev  scanoutDevice
	bufs [bufferCount]*Buffer
	back int
}

func newSurface(card *Card, dev scanoutDevice, width, height int) (*Surface, error) {
	s := &Surface{card: card.Retain(), dev: dev}
	for i := range s.bufs {
		b, err := newBuffer(card, dev, width, height)
		if err != nil {
			s.destroy()
			return nil, err
		}
		s.bufs[i] = b
	}
	return s, nil
}

// Back returns the buffer to render the next frame into.
// It is only valid to draw into it while the presenter reports
// ready: pool rotation is what keeps the scanned-out buffer off
// limits.
func (s *Surface) Back() *Buffer { return s.bufs[s.back] }

// lockFront registers the just-rendered back buffer as a kernel
// framebuffer and hands it out for presentation.
func (s *Surface) lockFront() (*Buffer, error) {
	b := s.bufs[s.back]
	fbID, err := s.dev.addFB(uint16(b.Width), uint16(b.Height), uint32(b.Pitch), b.handle)
	if err != nil {
		return nil, fmt.Errorf("kms: registering framebuffer: %w", err)
	}
	b.setFramebuffer(fbID)
	s.back = (s.back + 1) % bufferCount
	return b, nil
}

func (s *Surface) destroy() {
	for i, b := range s.bufs {
		if b != nil {
			b.destroy()
			s.bufs[i] = nil
		}
	}
	s.card.Release()
	s.card = nil
}
