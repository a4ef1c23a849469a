// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"fmt"
	"time"

	vk "github.com/goki/vulkan"
)

// frameCount is the depth of the render-target ring.
// At most frameCount-1 frames are in flight at any time: a new
// frame for a slot can only begin once the slot's work from
// frameCount frames ago has finished.
// Must be nonzero.
const frameCount = 3

// fenceTimeout bounds the per-slot fence wait. Exceeding it means
// the GPU is presumed hung; the error is unrecoverable.
const fenceTimeout = 60 * time.Second

// Frame is one ring slot handed to the render callback.
// Cmd is a primary command buffer in the recording state; the
// callback records into it and the surface submits it, signaling
// the slot's fence on completion.
type Frame struct {
	Image  vk.Image
	View   vk.ImageView
	Cmd    vk.CommandBuffer
	Width  int
	Height int
}

// slot pairs a render target with its completion fence.
// pending is set while submitted work that signals the fence is
// outstanding; the fence must be waited and reset before the slot
// is reused.
type slot struct {
	img     slotImage
	fence   vk.Fence
	pending bool
}

// Surface renders through a fixed ring of GPU-resident targets,
// pacing the reuse of each with its own fence.
// All methods must run on a single goroutine.
type Surface struct {
	dev    device
	slots  [frameCount]slot
	cursor int

	width, height int

	// resize is latched by ResizeEvent and applied lazily on
	// the next Render, so GPU resources are never reallocated
	// mid-frame.
	resize *[2]int
}

// New creates a Surface with its own Vulkan context, selecting
// the best-ranked physical device.
func New(width, height int) (*Surface, error) {
	dev, err := newContext()
	if err != nil {
		return nil, err
	}
	s, err := newSurface(dev, width, height)
	if err != nil {
		dev.destroy()
		return nil, err
	}
	return s, nil
}

// NewFrom creates a Surface on an externally selected physical
// device and queue family; inst stays owned by the caller.
func NewFrom(inst vk.Instance, phys vk.PhysicalDevice, queueFamily uint32, width, height int) (*Surface, error) {
	dev, err := fromPhysicalDevice(inst, phys, queueFamily)
	if err != nil {
		return nil, err
	}
	s, err := newSurface(dev, width, height)
	if err != nil {
		dev.destroy()
		return nil, err
	}
	return s, nil
}

func newSurface(dev device, width, height int) (*Surface, error) {
	s := &Surface{dev: dev, width: width, height: height}
	for i := range s.slots {
		img, err := dev.createSlotImage(width, height)
		if err != nil {
			s.releaseSlots()
			return nil, err
		}
		s.slots[i].img = img
		f, err := dev.createFence()
		if err != nil {
			dev.destroySlotImage(img)
			s.slots[i].img = slotImage{}
			s.releaseSlots()
			return nil, err
		}
		s.slots[i].fence = f
	}
	return s, nil
}

// Size returns the current render-target size.
func (s *Surface) Size() (width, height int) { return s.width, s.height }

// ResizeEvent latches a new target size to be applied on the next
// Render.
func (s *Surface) ResizeEvent(width, height int) {
	s.resize = &[2]int{width, height}
}

// Render draws one frame through fn.
// It applies any latched resize, blocks until the current slot's
// previous work completes (bounded by fenceTimeout), advances the
// ring cursor and submits the recorded commands so that the
// slot's fence signals when the GPU is done with it.
// A failure from fn or from submission leaves the ring usable:
// the cursor has already moved past the failed slot, so the next
// frame does not retry it immediately.
func (s *Surface) Render(fn func(*Frame) error) error {
	if r := s.resize; r != nil {
		s.resize = nil
		if err := s.recreateImages(r[0], r[1]); err != nil {
			return err
		}
	}

	sl := &s.slots[s.cursor]
	if sl.pending {
		if err := s.dev.waitFence(sl.fence, fenceTimeout); err != nil {
			return err
		}
		if err := s.dev.resetFence(sl.fence); err != nil {
			return err
		}
		sl.pending = false
	}
	idx := s.cursor
	s.cursor = (s.cursor + 1) % frameCount

	cmd, err := s.dev.beginCommands(idx)
	if err != nil {
		return err
	}
	frame := &Frame{
		Image:  sl.img.image,
		View:   sl.img.view,
		Cmd:    cmd,
		Width:  s.width,
		Height: s.height,
	}
	if err := fn(frame); err != nil {
		return fmt.Errorf("vk: rendering frame: %w", err)
	}
	if err := s.dev.submit(cmd, sl.fence); err != nil {
		return err
	}
	sl.pending = true
	return nil
}

// recreateImages replaces every slot's image and view at the new
// size. Fences are reused, not recreated; slots with work still
// in flight are drained first so the old images are safe to
// destroy.
func (s *Surface) recreateImages(width, height int) error {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.pending {
			if err := s.dev.waitFence(sl.fence, fenceTimeout); err != nil {
				return err
			}
			if err := s.dev.resetFence(sl.fence); err != nil {
				return err
			}
			sl.pending = false
		}
		s.dev.destroySlotImage(sl.img)
		img, err := s.dev.createSlotImage(width, height)
		if err != nil {
			sl.img = slotImage{}
			return err
		}
		sl.img = img
	}
	s.width, s.height = width, height
	return nil
}

func (s *Surface) releaseSlots() {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.fence != vk.NullFence {
			s.dev.destroyFence(sl.fence)
			sl.fence = vk.NullFence
		}
		s.dev.destroySlotImage(sl.img)
		sl.img = slotImage{}
	}
}

// Close drains outstanding work and releases the ring and its
// context.
func (s *Surface) Close() {
	for i := range s.slots {
		sl := &s.slots[i]
		if sl.pending {
			s.dev.waitFence(sl.fence, fenceTimeout)
			sl.pending = false
		}
	}
	s.releaseSlots()
	s.dev.destroy()
}
