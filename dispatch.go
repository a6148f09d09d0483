// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// notifyReady hands the buffers at idx to the consumer.
// It is called from trigger context.
func (c *campaign) notifyReady(idx int, overrun bool) bool {
	return c.events.signal(event{index: idx, overrun: overrun})
}

// stale reports whether ev is a buffer handover from a continuous campaign
// that has since been ended, and so should be ignored.
func (c *campaign) stale(ev event) bool {
	return ev.err == nil && c.params.RecurrenceMode == Continuous && c.done.Load()
}

// dispatch delivers filled buffers to the Callback until the campaign ends.
func (c *campaign) dispatch() {
	for {
		select {
		case <-c.quit:
			return
		case ev := <-c.events.ch:
			if ev.err != nil {
				c.fail(ev.err)
				return
			}
			if c.stale(ev) || c.ended() {
				continue
			}
			if !c.deliver(ev) {
				return
			}
		}
	}
}

// deliver passes the buffers of ev to the Callback, returning false if the
// campaign is complete.
func (c *campaign) deliver(ev event) bool {
	e := c.e
	c.bufs.take(ev.index)
	e.delivered.Inc()
	if ev.overrun {
		e.logger.Warn("overrun", zap.Int("buffer", ev.index))
	}
	oneShot := c.params.RecurrenceMode == OneShot
	if oneShot {
		e.finish(c)
	} else {
		e.drain(c, true)
	}
	for i := range c.convs {
		buf := Filled{Index: ev.index, Samples: c.bufs.pairs[i].slots[ev.index].samples}
		c.params.Callback(e, &c.convs[i], buf, ev.overrun)
	}
	if oneShot {
		return false
	}
	c.bufs.release(ev.index)
	e.drain(c, false)
	return true
}

func (c *campaign) fail(cause error) {
	c.e.finish(c)
	c.e.logger.Error("transfer failed", zap.Error(cause))
	c.reportError(faultError{cause})
}

// next releases the buffers held by the consumer then waits for the next set.
func (c *campaign) next(ctx context.Context) (Result, error) {
	c.release()
	return c.wait(ctx)
}

// release returns the buffers held by a blocking consumer to the producer.
func (c *campaign) release() {
	c.heldMu.Lock()
	if c.held >= 0 {
		c.bufs.release(c.held)
		c.held = -1
	}
	c.heldMu.Unlock()
}

// wait blocks until the next buffer set is filled.
func (c *campaign) wait(ctx context.Context) (Result, error) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitLocked(ctx)
}

func (c *campaign) waitLocked(ctx context.Context) (Result, error) {
	var expired <-chan time.Time
	if c.params.Timeout != WaitForever {
		timer := c.e.clock.Timer(c.params.Timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		select {
		case ev := <-c.events.ch:
			if c.stale(ev) {
				continue
			}
			return c.receive(ev)
		case <-c.quit:
			return Result{}, c.endErr()
		case <-expired:
			return c.abort(ErrTimeout)
		case <-ctx.Done():
			return c.abort(errors.Wrap(ErrCancelled, ctx.Err().Error()))
		}
	}
}

// receive passes the buffers of ev to a blocked consumer.
func (c *campaign) receive(ev event) (Result, error) {
	e := c.e
	if ev.err != nil {
		e.finish(c)
		return Result{}, c.endErr()
	}
	c.bufs.take(ev.index)
	e.delivered.Inc()
	if ev.overrun {
		e.logger.Warn("overrun", zap.Int("buffer", ev.index))
	}
	res := Result{
		Index:   ev.index,
		Buffers: c.bufs.filled(ev.index),
		Overrun: ev.overrun,
	}
	if c.params.RecurrenceMode == OneShot {
		e.finish(c)
	} else {
		c.heldMu.Lock()
		c.held = ev.index
		c.heldMu.Unlock()
	}
	return res, nil
}

// abort ends the campaign on behalf of a consumer that has given up waiting.
func (c *campaign) abort(reason error) (Result, error) {
	if c.done.CompareAndSwap(false, true) {
		c.e.finish(c)
		c.e.logger.Debug("aborted", zap.Error(reason))
		return Result{}, reason
	}
	// lost the race with completion, fault or cancel
	for {
		select {
		case ev := <-c.events.ch:
			if c.stale(ev) {
				continue
			}
			return c.receive(ev)
		case <-c.quit:
			return Result{}, c.endErr()
		}
	}
}

// endErr is the error returned to a consumer that finds the campaign ended.
func (c *campaign) endErr() error {
	if err := c.takeFault(); err != nil {
		return err
	}
	return ErrCancelled
}

// Calibration is the linear correction for a channel.
type Calibration struct {
	Gain   float64
	Offset int32
}

// Identity is the Calibration that leaves values unchanged.
var Identity = Calibration{Gain: 1}

// Calibration returns the calibration configured for channel ch.
func (e *Engine) Calibration(ch int) Calibration {
	e.gate.Lock()
	defer e.gate.Unlock()
	if cal, ok := e.params.Calibrations[ch]; ok {
		return cal
	}
	return Identity
}

// AdjustRawValues returns the raw samples corrected by cal.
//
// Each value becomes raw*Gain + Offset, clamped to the converter range.
// It fails with ErrResourceBusy if raw is being filled by the engine.
//
// During a campaign raw must be a buffer the caller holds, i.e. one passed
// to the Callback that has not returned, or returned by Convert or Next and
// not yet released. Once released the engine may start refilling it at any
// time, including while it is being adjusted.
func (e *Engine) AdjustRawValues(raw []uint16, cal Calibration) ([]uint16, error) {
	bits, err := e.checkNotFilling(raw)
	if err != nil {
		return nil, err
	}
	adjusted := make([]uint16, len(raw))
	adjust(adjusted, raw, cal, bits)
	return adjusted, nil
}

// AdjustRawValuesInPlace is AdjustRawValues overwriting the raw samples.
// The same restriction on held buffers applies.
func (e *Engine) AdjustRawValuesInPlace(buf []uint16, cal Calibration) error {
	bits, err := e.checkNotFilling(buf)
	if err != nil {
		return err
	}
	adjust(buf, buf, cal, bits)
	return nil
}

func (e *Engine) checkNotFilling(buf []uint16) (uint, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	if c := e.camp; c != nil && c.bufs.filling(buf) {
		return 0, ErrResourceBusy
	}
	bits := e.params.Resolution
	if bits == 0 {
		bits = DefaultResolution
	}
	return bits, nil
}

func adjust(dst, src []uint16, cal Calibration, bits uint) {
	limit := int64(1)<<bits - 1
	for i, v := range src {
		a := int64(math.Round(float64(v)*cal.Gain)) + int64(cal.Offset)
		if a < 0 {
			a = 0
		} else if a > limit {
			a = limit
		}
		dst[i] = uint16(a)
	}
}

// ConvertToMicrovolts converts adjusted samples from a converter of the
// given resolution into microvolts relative to refVoltage, which is itself
// in microvolts.
func ConvertToMicrovolts(adjusted []uint16, refVoltage uint32, bits uint) ([]uint32, error) {
	if bits == 0 || bits > 16 {
		return nil, invalidArgument("resolution %d bits", bits)
	}
	uv := make([]uint32, len(adjusted))
	for i, v := range adjusted {
		uv[i] = uint32((uint64(v) * uint64(refVoltage)) >> bits)
	}
	return uv, nil
}
