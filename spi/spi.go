// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package spi provides a bit bashed SPI bus over GPIO lines.
package spi

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/gpiod"
	"go.uber.org/multierr"
)

// Line is a GPIO line driven by the SPI.
//
// It is satisfied by *gpiod.Line.
type Line interface {
	SetValue(int) error
	Value() (int, error)
	Close() error
}

// SPI represents a device connected via an SPI bus using 4 GPIO lines.
//
// This is the basis for bit bashed SPI interfaces using GPIO lines.
// It is not related to the SPI device drivers provided by Linux.
type SPI struct {
	Mu sync.Mutex
	// time between clock edges (i.e. half the cycle time)
	Tclk time.Duration
	Sclk Line
	Ssz  Line
	Mosi Line
	Miso Line
}

// ErrTiedLines indicates the same line was requested for both Mosi and Miso.
var ErrTiedLines = errors.New("mosi and miso must be separate lines")

// New creates a SPI using lines requested from the chip.
//
// The clock and slave select are driven low and high respectively, holding
// the device in reset until needed.
func New(c *gpiod.Chip, tclk time.Duration, sclk, ssz, mosi, miso int) (*SPI, error) {
	if mosi == miso {
		return nil, ErrTiedLines
	}
	var lines []Line
	request := func(offset int, option gpiod.LineReqOption) (Line, error) {
		l, err := c.RequestLine(offset, option)
		if err != nil {
			for _, l := range lines {
				l.Close()
			}
			return nil, errors.Wrapf(err, "request line %d", offset)
		}
		lines = append(lines, l)
		return l, nil
	}
	s := &SPI{Tclk: tclk}
	var err error
	if s.Sclk, err = request(sclk, gpiod.AsOutput(0)); err != nil {
		return nil, err
	}
	if s.Ssz, err = request(ssz, gpiod.AsOutput(1)); err != nil {
		return nil, err
	}
	if s.Mosi, err = request(mosi, gpiod.AsOutput(1)); err != nil {
		return nil, err
	}
	if s.Miso, err = request(miso, gpiod.AsInput); err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromLines creates a SPI from lines already requested by the caller.
//
// The SPI takes ownership of the lines and closes them in Close.
func NewFromLines(tclk time.Duration, sclk, ssz, mosi, miso Line) *SPI {
	return &SPI{Tclk: tclk, Sclk: sclk, Ssz: ssz, Mosi: mosi, Miso: miso}
}

// Close releases the lines used to drive the SPI device.
func (s *SPI) Close() error {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return multierr.Combine(
		s.Sclk.Close(),
		s.Ssz.Close(),
		s.Mosi.Close(),
		s.Miso.Close())
}

// Select starts a transaction by driving the slave select low.
//
// The clock is driven low and Mosi high before the device is selected.
// Assumes caller already holds the Mu lock.
func (s *SPI) Select() error {
	if err := s.Ssz.SetValue(1); err != nil {
		return err
	}
	if err := s.Sclk.SetValue(0); err != nil {
		return err
	}
	if err := s.Mosi.SetValue(1); err != nil {
		return err
	}
	time.Sleep(s.Tclk)
	return s.Ssz.SetValue(0)
}

// Deselect ends a transaction by driving the slave select high.
// Assumes caller already holds the Mu lock.
func (s *SPI) Deselect() error {
	return s.Ssz.SetValue(1)
}

// ClockIn clocks in a data bit from the SPI device on Miso.
//
// Assumes clock starts high and ends with the rising edge of the next clock.
// Assumes caller already holds the Mu lock.
func (s *SPI) ClockIn() (int, error) {
	time.Sleep(s.Tclk)
	// SPI device writes on the falling edge
	if err := s.Sclk.SetValue(0); err != nil {
		return 0, err
	}
	time.Sleep(s.Tclk)
	v, err := s.Miso.Value()
	if err != nil {
		return 0, err
	}
	if err := s.Sclk.SetValue(1); err != nil {
		return 0, err
	}
	return v, nil
}

// ClockOut clocks out a data bit to the SPI device on Mosi.
//
// Assumes clock starts low and ends with the falling edge of the next clock.
// Assumes caller already holds the Mu lock.
func (s *SPI) ClockOut(v int) error {
	if err := s.Mosi.SetValue(v); err != nil {
		return err
	}
	time.Sleep(s.Tclk)
	// SPI device reads on the rising edge
	if err := s.Sclk.SetValue(1); err != nil {
		return err
	}
	time.Sleep(s.Tclk)
	return s.Sclk.SetValue(0)
}

// ClockInWord clocks in n bits, MSB first.
// Assumes caller already holds the Mu lock.
func (s *SPI) ClockInWord(n uint) (uint16, error) {
	var d uint16
	for i := uint(0); i < n; i++ {
		v, err := s.ClockIn()
		if err != nil {
			return 0, err
		}
		d = d << 1
		if v != 0 {
			d = d | 0x01
		}
	}
	return d, nil
}
