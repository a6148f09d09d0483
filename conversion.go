// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"unsafe"
)

const (
	// MaxChannelID is the highest analog input channel.
	MaxChannelID = 23

	// MaxChannels is the number of conversions that may be sequenced in a
	// single campaign, one per converter memory slot.
	MaxChannels = 32
)

// Channel identifies an analog input and its reference.
type Channel struct {
	ID        int
	RefSource ReferenceSource
	// RefVoltage is the reference voltage in microvolts.
	RefVoltage uint32
}

// Conversion describes the sampling of one channel within a campaign.
//
// The buffers belong to the engine from Convert until the campaign completes
// or is cancelled, and must not be written by the caller in that time.
type Conversion struct {
	Channel

	// SampleCount is the number of samples per buffer.
	// All conversions in a campaign must request the same count.
	SampleCount int

	// Buffer receives the samples. BufferTwo is only required in Continuous
	// mode, where the two are filled alternately.
	Buffer    []uint16
	BufferTwo []uint16

	// Arg is not interpreted by the engine.
	Arg interface{}
}

// Filled is a completed buffer handed to a Callback.
type Filled struct {
	// Index is 0 for Buffer and 1 for BufferTwo.
	Index int
	// Samples is the filled portion of the buffer.
	Samples []uint16
}

// Result is a completed buffer set returned by a blocking Convert or Next.
type Result struct {
	// Index is 0 if the samples are in Buffer, 1 if in BufferTwo.
	Index int
	// Buffers holds the filled samples for each conversion, in order.
	Buffers [][]uint16
	// Overrun indicates samples were dropped since the previous buffer set.
	Overrun bool
}

func validateConversions(convs []Conversion, mode RecurrenceMode) error {
	if len(convs) == 0 {
		return invalidArgument("no conversions")
	}
	if len(convs) > MaxChannels {
		return invalidArgument("%d conversions exceeds %d", len(convs), MaxChannels)
	}
	count := convs[0].SampleCount
	var bufs [][]uint16
	for i := range convs {
		c := &convs[i]
		if c.SampleCount <= 0 {
			return invalidArgument("conversion %d: sample count must be positive", i)
		}
		if c.SampleCount != count {
			return invalidArgument("conversion %d: sample count %d differs from %d", i, c.SampleCount, count)
		}
		if c.ID < 0 || c.ID > MaxChannelID {
			return invalidArgument("conversion %d: unknown channel %d", i, c.ID)
		}
		if !c.RefSource.valid() {
			return invalidArgument("conversion %d: unknown reference source %d", i, c.RefSource)
		}
		if len(c.Buffer) < count {
			return invalidArgument("conversion %d: buffer holds %d of %d samples", i, len(c.Buffer), count)
		}
		bufs = append(bufs, c.Buffer[:count])
		if mode == Continuous {
			if len(c.BufferTwo) < count {
				return invalidArgument("conversion %d: second buffer holds %d of %d samples", i, len(c.BufferTwo), count)
			}
			bufs = append(bufs, c.BufferTwo[:count])
		}
	}
	for i := range bufs {
		for j := i + 1; j < len(bufs); j++ {
			if overlaps(bufs[i], bufs[j]) {
				return invalidArgument("buffers overlap")
			}
		}
	}
	return nil
}

// overlaps reports whether the two slices share any backing memory.
func overlaps(a, b []uint16) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	const size = unsafe.Sizeof(a[0])
	pa := uintptr(unsafe.Pointer(&a[0]))
	pb := uintptr(unsafe.Pointer(&b[0]))
	return pa < pb+uintptr(len(b))*size && pb < pa+uintptr(len(a))*size
}
