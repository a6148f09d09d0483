// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package spitest provides a simulated SPI ADC for testing bit bashed
// drivers without hardware.
package spitest

import (
	"sync"

	"github.com/pkg/errors"
)

// Command describes the framing of a conversion request.
type Command struct {
	// Bits is the number of bits clocked out by the host, starting with the
	// start bit.
	Bits int
	// Null indicates the device returns a null bit before the data.
	Null bool
	// Width is the number of data bits returned.
	Width uint
	// Channel decodes the channel from the request bits, which exclude the
	// start bit.
	Channel func(req []int) int
}

// ErrClosed indicates a line has been closed.
var ErrClosed = errors.New("line closed")

// Device is a simulated SPI ADC.
//
// The device samples Mosi on rising clock edges while selected, and drives
// Miso on falling edges once the request has been received and the clock
// has been raised after mux settling.
type Device struct {
	mu     sync.Mutex
	cmd    Command
	values map[int]uint16
	ssz    int
	sclk   int
	mosi   int
	miso   int
	rising int
	req    []int
	out    []int
	closed int
	// request bits of each conversion, excluding the start bit
	requests [][]int
	fail     error
}

// New creates a Device.
func New(cmd Command) *Device {
	return &Device{cmd: cmd, values: make(map[int]uint16), ssz: 1}
}

// SetChannel sets the value returned for the channel.
func (d *Device) SetChannel(ch int, v uint16) {
	d.mu.Lock()
	d.values[ch] = v
	d.mu.Unlock()
}

// Fail makes subsequent line writes fail with err.
func (d *Device) Fail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

// Requests returns the request bits, excluding the start bit, of each
// conversion so far.
func (d *Device) Requests() [][]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]int(nil), d.requests...)
}

// Closed returns the number of lines closed.
func (d *Device) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Lines returns the clock, slave select, mosi and miso lines of the device.
func (d *Device) Lines() (sclk, ssz, mosi, miso *Line) {
	return &Line{d: d, set: d.setSclk},
		&Line{d: d, set: d.setSsz},
		&Line{d: d, set: d.setMosi},
		&Line{d: d}
}

func (d *Device) reset() {
	d.rising = 0
	d.req = nil
	d.out = nil
}

func (d *Device) setSsz(v int) {
	if v != d.ssz {
		d.reset()
	}
	d.ssz = v
}

func (d *Device) setMosi(v int) {
	d.mosi = v
}

func (d *Device) setSclk(v int) {
	prev := d.sclk
	d.sclk = v
	if d.ssz != 0 || prev == v {
		return
	}
	if v == 1 {
		d.rising++
		if d.rising <= d.cmd.Bits {
			d.req = append(d.req, d.mosi)
			if d.rising == d.cmd.Bits {
				d.respond()
			}
		}
		return
	}
	if d.rising > d.cmd.Bits && len(d.out) > 0 {
		d.miso = d.out[0]
		d.out = d.out[1:]
	}
}

func (d *Device) respond() {
	if d.req[0] != 1 {
		// no start bit
		return
	}
	req := d.req[1:]
	d.requests = append(d.requests, req)
	v := d.values[d.cmd.Channel(req)]
	if d.cmd.Null {
		d.out = append(d.out, 0)
	}
	for i := int(d.cmd.Width) - 1; i >= 0; i-- {
		d.out = append(d.out, int(v>>uint(i))&0x01)
	}
}

// Line is one of the lines of a Device.
type Line struct {
	d      *Device
	set    func(int)
	closed bool
}

// SetValue drives the line.
func (l *Line) SetValue(v int) error {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.d.fail != nil {
		return l.d.fail
	}
	if l.set == nil {
		return errors.New("line is an input")
	}
	l.set(v)
	return nil
}

// Value reads the line.
func (l *Line) Value() (int, error) {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	return l.d.miso, nil
}

// Close releases the line.
func (l *Line) Close() error {
	l.d.mu.Lock()
	defer l.d.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.closed = true
	l.d.closed++
	return nil
}
