// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"strconv"
	"time"
)

// ReturnMode determines how completed buffers are returned to the caller.
type ReturnMode int

const (
	// ReturnBlocking suspends Convert until the buffers are filled.
	ReturnBlocking ReturnMode = iota
	// ReturnCallback returns from Convert immediately and reports each
	// filled buffer via the Callback.
	ReturnCallback
)

func (m ReturnMode) String() string {
	switch m {
	case ReturnBlocking:
		return "blocking"
	case ReturnCallback:
		return "callback"
	}
	return "ReturnMode(" + strconv.Itoa(int(m)) + ")"
}

// RecurrenceMode determines whether a campaign stops after one pass.
type RecurrenceMode int

const (
	// OneShot fills one buffer per conversion then stops.
	OneShot RecurrenceMode = iota
	// Continuous alternates between the two buffers of each conversion
	// until cancelled.
	Continuous
)

func (m RecurrenceMode) String() string {
	switch m {
	case OneShot:
		return "one-shot"
	case Continuous:
		return "continuous"
	}
	return "RecurrenceMode(" + strconv.Itoa(int(m)) + ")"
}

// SamplingDuration is the sample and hold time, in ADC clock pulses.
type SamplingDuration int

const (
	PulseWidth4   SamplingDuration = 4
	PulseWidth8   SamplingDuration = 8
	PulseWidth16  SamplingDuration = 16
	PulseWidth32  SamplingDuration = 32
	PulseWidth64  SamplingDuration = 64
	PulseWidth96  SamplingDuration = 96
	PulseWidth128 SamplingDuration = 128
	PulseWidth192 SamplingDuration = 192
)

func (d SamplingDuration) valid() bool {
	switch d {
	case PulseWidth4, PulseWidth8, PulseWidth16, PulseWidth32,
		PulseWidth64, PulseWidth96, PulseWidth128, PulseWidth192:
		return true
	}
	return false
}

// ReferenceSource selects the voltage reference for a channel.
type ReferenceSource int

const (
	// RefAVCC uses the analog supply, VREF+ = AVCC, VREF- = VSS.
	RefAVCC ReferenceSource = iota
	// RefInternal uses the internal buffered reference.
	RefInternal
	// RefExternal uses the external reference pins directly.
	RefExternal
	// RefExternalBuffered uses the external reference via the buffer.
	RefExternalBuffered
)

func (r ReferenceSource) valid() bool {
	return r >= RefAVCC && r <= RefExternalBuffered
}

// WaitForever disables the blocking timeout.
const WaitForever time.Duration = 0

// DefaultResolution is the converter width assumed if Params.Resolution is 0.
const DefaultResolution = 14

// Callback receives each filled buffer in ReturnCallback mode.
//
// It is called once per conversion for every completed buffer set, in the
// order of the conversions passed to Convert. It must not block, and must
// only read the buffer it is given.
type Callback func(e *Engine, conv *Conversion, buf Filled, overrun bool)

// ErrorCallback receives campaign failures in ReturnCallback mode,
// i.e. errors matching ErrHardwareFault or ErrCancelled.
type ErrorCallback func(e *Engine, err error)

// Params defines the behaviour of an Engine for as long as it is open.
type Params struct {
	ReturnMode     ReturnMode
	RecurrenceMode RecurrenceMode

	// SamplingFrequency is the trigger rate in Hz.
	SamplingFrequency uint32

	SamplingDuration SamplingDuration

	// Timeout bounds each blocking wait for a filled buffer.
	Timeout time.Duration

	Callback      Callback
	ErrorCallback ErrorCallback

	// Resolution is the converter width in bits.
	Resolution uint

	// Calibrations holds the gain and offset for each channel ID.
	// Channels without an entry use the identity calibration.
	Calibrations map[int]Calibration
}

// DefaultParams returns the parameters used by most applications:
// blocking, one-shot, 10kHz, shortest sample and hold, no timeout.
func DefaultParams() Params {
	return Params{
		ReturnMode:        ReturnBlocking,
		RecurrenceMode:    OneShot,
		SamplingFrequency: 10000,
		SamplingDuration:  PulseWidth4,
		Timeout:           WaitForever,
		Resolution:        DefaultResolution,
	}
}

func (p *Params) validate() error {
	if p.SamplingFrequency == 0 {
		return invalidArgument("sampling frequency must be positive")
	}
	if !p.SamplingDuration.valid() {
		return invalidArgument("unsupported sampling duration %d", p.SamplingDuration)
	}
	if p.Resolution == 0 {
		p.Resolution = DefaultResolution
	}
	if p.Resolution > 16 {
		return invalidArgument("resolution %d exceeds 16 bits", p.Resolution)
	}
	switch p.RecurrenceMode {
	case OneShot, Continuous:
	default:
		return invalidArgument("unknown recurrence mode %d", p.RecurrenceMode)
	}
	switch p.ReturnMode {
	case ReturnBlocking:
		if p.Timeout < 0 {
			return invalidArgument("negative timeout %s", p.Timeout)
		}
	case ReturnCallback:
		if p.Callback == nil {
			return invalidArgument("callback mode requires a callback")
		}
	default:
		return invalidArgument("unknown return mode %d", p.ReturnMode)
	}
	for ch, cal := range p.Calibrations {
		if cal.Gain < 0 {
			return invalidArgument("negative gain for channel %d", ch)
		}
	}
	return nil
}
