// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package adcbuf provides buffered analog to digital conversion.
//
// An Engine repeatedly samples one or more channels at a fixed rate, paced by
// a Trigger, with each sample provided by a Transfer. Samples are collected
// into caller supplied buffers which are returned either by a blocking
// Convert or via a Callback.
//
// In Continuous mode each conversion has two buffers which are filled
// alternately, so one may be consumed while the other fills. If the consumer
// has not released a buffer by the time the other is full then the samples
// for that interval are dropped and the next buffer handed over is flagged
// as overrun.
//
// Example of use:
//
//	e := adcbuf.New(adcbuf.NewClockTrigger(nil), adc)
//	p := adcbuf.DefaultParams()
//	p.SamplingFrequency = 1000
//	p.Timeout = 50 * time.Millisecond
//	if err := e.Open(p); err != nil {
//		return err
//	}
//	defer e.Close()
//	buf := make([]uint16, 10)
//	res, err := e.Convert(ctx, []adcbuf.Conversion{
//		{Channel: adcbuf.Channel{ID: 0}, SampleCount: 10, Buffer: buf},
//	})
package adcbuf

import (
	"context"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the lifecycle state of an Engine.
type State uint32

const (
	// StateClosed is the state before Open and after Close.
	StateClosed State = iota
	// StateIdle indicates the engine is open with no campaign.
	StateIdle
	// StateArmed indicates the trigger is armed but has not yet fired.
	StateArmed
	// StateSampling indicates samples are being collected.
	StateSampling
	// StateDraining indicates a callback is consuming one buffer while the
	// other fills.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateSampling:
		return "sampling"
	case StateDraining:
		return "draining"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Stats counts buffer handovers since the engine was created.
type Stats struct {
	// Buffers is the number of buffer sets handed to consumers.
	Buffers uint64
	// Overruns is the number of times samples were lost, either as buffer
	// fills discarded because the consumer had not released the spare
	// buffers, or as ticks the trigger reported missing.
	Overruns uint64
}

// Engine is a buffered ADC acquisition engine.
//
// An Engine is safe for concurrent use, though at most one campaign may be
// active at a time.
type Engine struct {
	// gate serializes Open, Convert, ConvertCancel and Close, and guards
	// params and camp.
	gate   sync.Mutex
	params Params
	camp   *campaign
	// last is the most recently ended campaign, kept so a fault that ended
	// it can still be reported to a blocking consumer.
	last *campaign

	state atomic.Uint32

	trigger  Trigger
	transfer Transfer
	power    Power
	clock    clock.Clock
	logger   *zap.Logger

	delivered atomic.Uint64
	overruns  atomic.Uint64
}

// Option modifies the construction of an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the Engine.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithPower sets the power manager which is constrained while the Engine is
// open.
func WithPower(p Power) Option {
	return func(e *Engine) {
		e.power = p
	}
}

// WithClock sets the clock used to time out blocking waits.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// New creates a closed Engine sampling from x at the rate set by t.
func New(t Trigger, x Transfer, options ...Option) *Engine {
	e := &Engine{
		trigger:  t,
		transfer: x,
		power:    &Constraint{},
		clock:    clock.New(),
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(uint32(s))
}

// Stats returns the buffer handover counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Buffers:  e.delivered.Load(),
		Overruns: e.overruns.Load(),
	}
}

// Open prepares the engine for conversions using the parameters p.
//
// The power constraint is held from Open until Close.
func (e *Engine) Open(p Params) error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.State() != StateClosed {
		return ErrAlreadyOpen
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.Calibrations != nil {
		cals := make(map[int]Calibration, len(p.Calibrations))
		for ch, cal := range p.Calibrations {
			cals[ch] = cal
		}
		p.Calibrations = cals
	}
	e.params = p
	e.power.AcquireConstraint()
	e.setState(StateIdle)
	e.logger.Debug("opened",
		zap.Stringer("return", p.ReturnMode),
		zap.Stringer("recurrence", p.RecurrenceMode),
		zap.Uint32("frequency", p.SamplingFrequency),
		zap.Duration("timeout", p.Timeout))
	return nil
}

// Close releases the engine. It fails with ErrBusy unless the engine is idle.
func (e *Engine) Close() error {
	e.gate.Lock()
	defer e.gate.Unlock()
	if st := e.State(); st != StateIdle {
		return errors.Wrapf(ErrBusy, "engine %s", st)
	}
	e.power.ReleaseConstraint()
	e.setState(StateClosed)
	e.logger.Debug("closed")
	return nil
}

// Convert starts a campaign sampling the conversions.
//
// In ReturnCallback mode Convert returns once the trigger is armed.
// In ReturnBlocking mode Convert returns once the first buffer of each
// conversion has been filled, or with ErrTimeout if that takes longer than
// the Timeout, or with ErrCancelled if the campaign is cancelled or the ctx
// is done first. A blocking Continuous campaign keeps sampling after Convert
// returns, and later buffers are collected with Next.
func (e *Engine) Convert(ctx context.Context, convs []Conversion) (Result, error) {
	e.gate.Lock()
	if st := e.State(); st != StateIdle {
		e.gate.Unlock()
		return Result{}, errors.Wrapf(ErrBusy, "engine %s", st)
	}
	p := e.params
	if err := validateConversions(convs, p.RecurrenceMode); err != nil {
		e.gate.Unlock()
		return Result{}, err
	}
	chans := make([]Channel, len(convs))
	for i := range convs {
		chans[i] = convs[i].Channel
	}
	if err := e.transfer.Setup(chans, p.SamplingDuration); err != nil {
		e.gate.Unlock()
		return Result{}, faultError{err}
	}
	c := newCampaign(e, convs)
	e.camp = c
	e.setState(StateArmed)
	if p.ReturnMode == ReturnCallback {
		go c.dispatch()
	}
	if err := e.trigger.Arm(p.SamplingFrequency, c.tick); err != nil {
		// never armed, so must not be disarmed
		c.done.Store(true)
		e.camp = nil
		e.setState(StateIdle)
		c.end()
		e.gate.Unlock()
		if errors.Is(err, ErrInvalidArgument) {
			return Result{}, errors.Wrap(err, "arm trigger")
		}
		return Result{}, faultError{errors.Wrap(err, "arm trigger")}
	}
	e.logger.Debug("armed",
		zap.Int("channels", len(convs)),
		zap.Int("samples", c.bufs.count))
	e.gate.Unlock()
	if p.ReturnMode == ReturnCallback {
		return Result{}, nil
	}
	return c.wait(ctx)
}

// Next returns the next buffer set of a blocking Continuous campaign.
//
// The buffers returned by the previous Convert or Next are released back to
// the engine, so must no longer be read.
func (e *Engine) Next(ctx context.Context) (Result, error) {
	e.gate.Lock()
	c := e.camp
	p := e.params
	last := e.last
	e.gate.Unlock()
	if p.ReturnMode != ReturnBlocking || p.RecurrenceMode != Continuous {
		return Result{}, ErrNotRunning
	}
	if c == nil {
		if last != nil {
			if err := last.takeFault(); err != nil {
				return Result{}, err
			}
		}
		return Result{}, ErrNotRunning
	}
	return c.next(ctx)
}

// Release returns the buffers from the last Convert or Next of a blocking
// Continuous campaign to the engine without waiting for the next set.
//
// The buffers must be released before the spares are full, else the samples
// for that interval are dropped as an overrun.
func (e *Engine) Release() error {
	e.gate.Lock()
	c := e.camp
	p := e.params
	e.gate.Unlock()
	if c == nil || p.ReturnMode != ReturnBlocking || p.RecurrenceMode != Continuous {
		return ErrNotRunning
	}
	c.release()
	return nil
}

// ConvertCancel stops the active campaign.
//
// The trigger is disarmed, and any in progress tick allowed to complete,
// before the engine returns to idle. A blocked Convert or Next returns
// ErrCancelled, and in callback mode the ErrorCallback receives
// ErrCancelled.
//
// If a blocking campaign has already been ended by a transfer fault that no
// Convert or Next has yet returned, ConvertCancel returns that fault.
func (e *Engine) ConvertCancel() error {
	e.gate.Lock()
	c := e.camp
	if c == nil {
		last := e.last
		e.gate.Unlock()
		if last != nil && last.params.ReturnMode == ReturnBlocking {
			if err := last.takeFault(); err != nil {
				return err
			}
		}
		return ErrNotRunning
	}
	if !c.done.CompareAndSwap(false, true) {
		// already completing
		if c.cause.Load() == nil || c.params.ReturnMode != ReturnBlocking {
			e.gate.Unlock()
			return nil
		}
		// faulted, and may have no consumer to finish it
		e.finishLocked(c)
		e.gate.Unlock()
		return c.takeFault()
	}
	e.finishLocked(c)
	e.gate.Unlock()
	e.logger.Debug("cancelled")
	c.reportError(ErrCancelled)
	return nil
}

// finish returns the engine to idle at the end of the campaign c.
// Only the party that set c.done may call it.
func (e *Engine) finish(c *campaign) {
	e.gate.Lock()
	e.finishLocked(c)
	e.gate.Unlock()
}

func (e *Engine) finishLocked(c *campaign) {
	if e.camp == c {
		if err := e.trigger.Disarm(); err != nil {
			e.logger.Warn("disarm failed", zap.Error(err))
		}
		e.camp = nil
		e.last = c
		e.setState(StateIdle)
	}
	c.end()
}

// drain marks the engine as draining while a callback holds a buffer.
func (e *Engine) drain(c *campaign, on bool) {
	e.gate.Lock()
	defer e.gate.Unlock()
	if e.camp != c {
		return
	}
	if on {
		e.state.CompareAndSwap(uint32(StateSampling), uint32(StateDraining))
	} else {
		e.state.CompareAndSwap(uint32(StateDraining), uint32(StateSampling))
	}
}
