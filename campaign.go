// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// campaign is the state of a single Convert, from arming to completion or
// cancellation.
type campaign struct {
	e      *Engine
	params Params
	convs  []Conversion

	// producer only
	bufs    bufferSet
	cursor  int
	overrun bool

	// done is set by whichever of completion, fault, cancel or timeout ends
	// the campaign, and that party alone calls Engine.finish.
	done atomic.Bool

	// cause is the transfer error that ended the campaign, if any, and
	// reported is set once it has been returned to a blocking consumer.
	cause    atomic.Error
	reported atomic.Bool

	events *handoff

	quit     chan struct{}
	quitOnce sync.Once

	// waitMu serializes blocking consumers.
	waitMu sync.Mutex

	heldMu sync.Mutex
	held   int
}

func newCampaign(e *Engine, convs []Conversion) *campaign {
	c := &campaign{
		e:      e,
		params: e.params,
		convs:  convs,
		events: newHandoff(),
		quit:   make(chan struct{}),
		held:   -1,
	}
	c.bufs.reset(convs, convs[0].SampleCount)
	return c
}

// end releases any goroutine waiting on the campaign.
func (c *campaign) end() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *campaign) ended() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

// tick collects one sample from each channel into the active buffers.
//
// It is called from trigger context so never blocks or allocates, other than
// when the campaign fails. It returns false once the trigger should stop.
// A non-zero missed is the number of trigger periods that passed without a
// tick, so the buffers being filled have a gap.
func (c *campaign) tick(missed uint64) bool {
	if c.done.Load() {
		return false
	}
	e := c.e
	e.state.CompareAndSwap(uint32(StateArmed), uint32(StateSampling))
	if missed > 0 {
		c.overrun = true
		e.overruns.Inc()
	}
	for i := range c.convs {
		v, err := e.transfer.Sample(c.convs[i].ID)
		if err != nil {
			c.fault(err)
			return false
		}
		if !c.bufs.deposit(i, c.cursor, v) {
			c.fault(errors.Wrapf(ErrResourceBusy, "buffer %d of conversion %d", c.bufs.active, i))
			return false
		}
	}
	c.cursor++
	if c.cursor < c.bufs.count {
		return true
	}
	c.cursor = 0
	if c.params.RecurrenceMode == OneShot {
		if !c.done.CompareAndSwap(false, true) {
			return false
		}
		c.notifyReady(c.bufs.complete(), c.overrun)
		return false
	}
	if !c.bufs.canSwap() {
		// The consumer still holds the spares, so refill the active
		// buffers and flag the loss on the next handover.
		c.overrun = true
		e.overruns.Inc()
		return true
	}
	idx := c.bufs.swap()
	if !c.notifyReady(idx, c.overrun) {
		c.bufs.drop(idx)
		c.overrun = true
		e.overruns.Inc()
		return true
	}
	c.overrun = false
	return true
}

// fault ends the campaign due to a transfer failure.
//
// In blocking mode there may be no consumer waiting to finish the campaign,
// so it is finished here, from outside trigger context as Disarm waits for
// the tick to return.
func (c *campaign) fault(err error) {
	if !c.done.CompareAndSwap(false, true) {
		return
	}
	c.cause.Store(err)
	c.events.signal(event{index: -1, err: err})
	if c.params.ReturnMode == ReturnBlocking {
		go func() {
			c.e.finish(c)
			c.e.logger.Error("transfer failed", zap.Error(err))
		}()
	}
}

// takeFault returns the fault that ended the campaign, if it has not
// already been returned to a consumer.
func (c *campaign) takeFault() error {
	err := c.cause.Load()
	if err == nil || !c.reported.CompareAndSwap(false, true) {
		return nil
	}
	return faultError{err}
}

func (c *campaign) reportError(err error) {
	if c.params.ReturnMode == ReturnCallback && c.params.ErrorCallback != nil {
		c.params.ErrorCallback(c.e, err)
	}
}
