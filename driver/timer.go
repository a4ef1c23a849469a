// Copyright 2025 Gustavo C. Viegas. All rights reserved.

package driver

import (
	"time"

	"scanout/evloop"
)

// frameInterval approximates a 60Hz vertical-blank period.
const frameInterval = 16 * time.Millisecond

// TimerPresenter paces frames with a repeating timer.
// It exists for presentation paths that have no hardware
// completion signal (e.g. rendering into GPU images that are not
// scanned out directly) and is a deliberately degraded
// approximation of vertical-blank timing.
type TimerPresenter struct {
	timer *evloop.Timer
	cb    func()
}

// NewTimerPresenter creates a TimerPresenter driven by loop.
// The timer stays disarmed until a frame is presented.
func NewTimerPresenter(loop *evloop.Loop) (*TimerPresenter, error) {
	p := new(TimerPresenter)
	timer, err := loop.NewTimer(func() {
		// Stop and let the callback decide whether another
		// frame follows; presenting again restarts the
		// timer.
		p.timer.Stop()
		if cb := p.cb; cb != nil {
			p.cb = nil
			cb()
		}
	})
	if err != nil {
		return nil, err
	}
	p.timer = timer
	return p, nil
}

// Present has nothing to submit on this path; the GPU work was
// already queued by the renderer.
func (p *TimerPresenter) Present() error { return nil }

// PresentWithCallback arms readyForNext and (re)starts the frame
// timer.
func (p *TimerPresenter) PresentWithCallback(readyForNext func()) error {
	p.cb = readyForNext
	return p.timer.Start(frameInterval, frameInterval)
}

// IsReadyToPresent always reports true: there is no flip to
// overlap with on this path.
func (p *TimerPresenter) IsReadyToPresent() bool { return true }

// RegisterFlipHandler is a no-op; completion is timer-driven.
func (p *TimerPresenter) RegisterFlipHandler(*evloop.Loop) error { return nil }

// Close disarms and releases the timer. A pending callback is
// dropped.
func (p *TimerPresenter) Close() {
	p.cb = nil
	p.timer.Close()
}
