// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package mcp3w0c provides bit bashed device drivers for MCP3004/3008/3204/3208
// SPI ADCs.
//
// An MCP3w0c is an adcbuf.Transfer, so may be sampled by an adcbuf.Engine.
package mcp3w0c

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/gpiod"

	"github.com/warthog618/adcbuf"
	"github.com/warthog618/adcbuf/spi"
)

// MCP3w0c reads ADC values from a connected Microchip MCP3xxx family device.
//
// Supported variants are MCP3004/3008/3204/3208.
// The w indicates the width of the device (0 => 10, 2 => 12)
// and the c the number of channels.
type MCP3w0c struct {
	mu       sync.Mutex
	s        *spi.SPI
	width    uint
	channels int
	// differential pairs selected by the last Setup
	diff bool
}

// ErrClosed indicates the ADC is closed.
var ErrClosed = errors.New("closed")

// New creates a MCP3w0c with the given width and number of channels.
func New(c *gpiod.Chip, tclk time.Duration, clk, csz, di, do int, width uint, channels int) (*MCP3w0c, error) {
	s, err := spi.New(c, tclk, clk, csz, di, do)
	if err != nil {
		return nil, err
	}
	return NewFromSPI(s, width, channels), nil
}

// NewFromSPI creates a MCP3w0c on an existing bus.
func NewFromSPI(s *spi.SPI, width uint, channels int) *MCP3w0c {
	return &MCP3w0c{s: s, width: width, channels: channels}
}

// NewMCP3004 creates a MCP3004.
func NewMCP3004(c *gpiod.Chip, tclk time.Duration, clk, csz, di, do int) (*MCP3w0c, error) {
	return New(c, tclk, clk, csz, di, do, 10, 4)
}

// NewMCP3008 creates a MCP3008.
func NewMCP3008(c *gpiod.Chip, tclk time.Duration, clk, csz, di, do int) (*MCP3w0c, error) {
	return New(c, tclk, clk, csz, di, do, 10, 8)
}

// NewMCP3204 creates a MCP3204.
func NewMCP3204(c *gpiod.Chip, tclk time.Duration, clk, csz, di, do int) (*MCP3w0c, error) {
	return New(c, tclk, clk, csz, di, do, 12, 4)
}

// NewMCP3208 creates a MCP3208.
func NewMCP3208(c *gpiod.Chip, tclk time.Duration, clk, csz, di, do int) (*MCP3w0c, error) {
	return New(c, tclk, clk, csz, di, do, 12, 8)
}

// Close releases all resources allocated to the ADC.
func (adc *MCP3w0c) Close() error {
	adc.mu.Lock()
	defer adc.mu.Unlock()
	if adc.s == nil {
		return ErrClosed
	}
	err := adc.s.Close()
	adc.s = nil
	return err
}

// Resolution returns the width of the conversions, in bits.
func (adc *MCP3w0c) Resolution() uint {
	return adc.width
}

// Read returns the value of a single channel read from the ADC.
func (adc *MCP3w0c) Read(ch int) (uint16, error) {
	return adc.read(ch, 1)
}

// ReadDifferential returns the value of a differential pair read from the ADC.
func (adc *MCP3w0c) ReadDifferential(ch int) (uint16, error) {
	return adc.read(ch, 0)
}

// Setup checks the channels are provided by the device.
//
// A reference source other than RefAVCC selects differential mode for the
// campaign, pairing each channel with its neighbour.
// The sampling duration is fixed by the clock rate so is ignored.
func (adc *MCP3w0c) Setup(chans []adcbuf.Channel, d adcbuf.SamplingDuration) error {
	adc.mu.Lock()
	defer adc.mu.Unlock()
	if adc.s == nil {
		return ErrClosed
	}
	diff := false
	for i, c := range chans {
		if c.ID >= adc.channels {
			return errors.Wrapf(adcbuf.ErrInvalidArgument, "channel %d not provided by device", c.ID)
		}
		pair := c.RefSource != adcbuf.RefAVCC
		if i > 0 && pair != diff {
			return errors.Wrap(adcbuf.ErrInvalidArgument, "mixed single ended and differential channels")
		}
		diff = pair
	}
	adc.diff = diff
	return nil
}

// Sample performs one conversion of the channel in the mode selected by
// Setup.
func (adc *MCP3w0c) Sample(ch int) (uint16, error) {
	adc.mu.Lock()
	sgl := 1
	if adc.diff {
		sgl = 0
	}
	adc.mu.Unlock()
	return adc.read(ch, sgl)
}

func (adc *MCP3w0c) read(ch int, sgl int) (uint16, error) {
	adc.mu.Lock()
	defer adc.mu.Unlock()
	if adc.s == nil {
		return 0, ErrClosed
	}
	s := adc.s
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if err := s.Select(); err != nil {
		return 0, err
	}
	if err := s.ClockOut(1); err != nil { // Start
		return 0, err
	}
	if err := s.ClockOut(sgl); err != nil { // SGL/DIFFZ
		return 0, err
	}
	for i := 2; i >= 0; i-- {
		d := 0
		if (ch >> uint(i) & 0x01) == 0x01 {
			d = 1
		}
		if err := s.ClockOut(d); err != nil {
			return 0, err
		}
	}
	// mux settling
	time.Sleep(s.Tclk)
	if err := s.Sclk.SetValue(1); err != nil {
		return 0, err
	}
	if _, err := s.ClockIn(); err != nil { // null bit
		return 0, err
	}
	d, err := s.ClockInWord(adc.width)
	if err != nil {
		return 0, err
	}
	return d, s.Deselect()
}
