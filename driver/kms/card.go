// Copyright 2025 Gustavo C. Viegas. All rights reserved.

// Package kms implements the driver interfaces on top of the
// Linux kernel mode-setting API, presenting rendered buffers
// directly to the display controller with no window system in
// between.
package kms

import (
	"os"

	"github.com/NeowayLabs/drm/mode"
)

// Card is a reference-counted handle to an open scanout device.
// It is shared by the buffer pool, every registered framebuffer
// and the page-flip event source; the underlying descriptor is
// closed when the last holder releases it.
// The count is not atomic: presentation state is single-threaded
// and must stay that way.
type Card struct {
	file *os.File
	refs int
}

// NewCard wraps an open scanout device file. The caller's
// reference is counted; pair with Release.
func NewCard(file *os.File) *Card {
	return &Card{file: file, refs: 1}
}

// Retain acquires an additional reference.
func (c *Card) Retain() *Card {
	c.refs++
	return c
}

// Release drops one reference, closing the device when none
// remain.
func (c *Card) Release() {
	c.refs--
	if c.refs == 0 {
		c.file.Close()
		c.file = nil
	}
}

// Fd returns the raw descriptor, for event-source registration.
func (c *Card) Fd() int { return int(c.file.Fd()) }

// modeDevice is the subset of mode-setting calls that output
// discovery needs. It exists so selection logic can be exercised
// without a real device.
type modeDevice interface {
	resources() (*mode.Resources, error)
	connector(id uint32) (*mode.Connector, error)
	encoder(id uint32) (*mode.Encoder, error)
	crtc(id uint32) (*mode.Crtc, error)
}

// scanoutDevice is the subset of mode-setting calls the buffer
// manager and the page-flip machine need.
type scanoutDevice interface {
	addFB(width, height uint16, pitch, handle uint32) (uint32, error)
	rmFB(id uint32) error
	setCrtc(crtcID, fbID, connID uint32, m *mode.Info) error
	pageFlip(crtcID, fbID uint32) error
}

func (c *Card) resources() (*mode.Resources, error) {
	return mode.GetResources(c.file)
}

func (c *Card) connector(id uint32) (*mode.Connector, error) {
	return mode.GetConnector(c.file, id)
}

func (c *Card) encoder(id uint32) (*mode.Encoder, error) {
	return mode.GetEncoder(c.file, id)
}

func (c *Card) crtc(id uint32) (*mode.Crtc, error) {
	return mode.GetCrtc(c.file, id)
}

// addFB registers a dumb buffer as a 32-bit packed RGB
// framebuffer (depth 24, bpp 32). Modifiers and additional planes
// are not supported.
// TODO: Generalize to AddFB2 with explicit formats once a second
// pixel format is needed.
func (c *Card) addFB(width, height uint16, pitch, handle uint32) (uint32, error) {
	return mode.AddFB(c.file, width, height, 24, 32, pitch, handle)
}

func (c *Card) rmFB(id uint32) error {
	return mode.RmFB(c.file, id)
}

func (c *Card) setCrtc(crtcID, fbID, connID uint32, m *mode.Info) error {
	return mode.SetCrtc(c.file, crtcID, fbID, 0, 0, &connID, 1, m)
}

func (c *Card) pageFlip(crtcID, fbID uint32) error {
	return pageFlipTo(c.file, crtcID, fbID)
}
