// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package adc0832 provides a bit bashed device driver for the ADC0832.
package adc0832

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/warthog618/gpiod"

	"github.com/warthog618/adcbuf"
	"github.com/warthog618/adcbuf/spi"
)

// ADC0832 reads ADC values from a connected ADC0832.
//
// It is an adcbuf.Transfer, with 8 bit conversions of channels 0 and 1.
type ADC0832 struct {
	mu sync.Mutex
	s  *spi.SPI
	// time to allow mux to settle after clocking out ODD/SIGN
	tset time.Duration
}

// ErrClosed indicates the ADC is closed.
var ErrClosed = errors.New("closed")

// New creates a ADC0832.
func New(c *gpiod.Chip, tclk, tset time.Duration, clk, csz, di, do int) (*ADC0832, error) {
	s, err := spi.New(c, tclk, clk, csz, di, do)
	if err != nil {
		return nil, err
	}
	return NewFromSPI(s, tset), nil
}

// NewFromSPI creates a ADC0832 on an existing bus.
func NewFromSPI(s *spi.SPI, tset time.Duration) *ADC0832 {
	return &ADC0832{s: s, tset: tset}
}

// Close releases all resources allocated to the ADC.
func (adc *ADC0832) Close() error {
	adc.mu.Lock()
	defer adc.mu.Unlock()
	if adc.s == nil {
		return ErrClosed
	}
	err := adc.s.Close()
	adc.s = nil
	return err
}

// Read returns the value of a single channel read from the ADC.
func (adc *ADC0832) Read(ch int) (uint8, error) {
	return adc.read(ch, 1)
}

// ReadDifferential returns the value of a differential pair read from the ADC.
func (adc *ADC0832) ReadDifferential(ch int) (uint8, error) {
	return adc.read(ch, 0)
}

// Setup checks the channels are provided by the device.
func (adc *ADC0832) Setup(chans []adcbuf.Channel, d adcbuf.SamplingDuration) error {
	adc.mu.Lock()
	defer adc.mu.Unlock()
	if adc.s == nil {
		return ErrClosed
	}
	for _, c := range chans {
		if c.ID > 1 {
			return errors.Wrapf(adcbuf.ErrInvalidArgument, "channel %d not provided by device", c.ID)
		}
	}
	return nil
}

// Sample performs one single ended conversion of the channel.
func (adc *ADC0832) Sample(ch int) (uint16, error) {
	v, err := adc.read(ch, 1)
	return uint16(v), err
}

func (adc *ADC0832) read(ch int, sgl int) (uint8, error) {
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
	odd := 0
	if ch != 0 {
		odd = 1
	}
	for _, v := range []int{1, sgl, odd} { // Start, SGL/DIFZ, ODD/Sign
		if err := s.ClockOut(v); err != nil {
			return 0, err
		}
	}
	// mux settling
	time.Sleep(adc.tset)
	if err := s.Sclk.SetValue(1); err != nil {
		return 0, err
	}
	// MSB first byte
	d, err := s.ClockInWord(8)
	if err != nil {
		return 0, err
	}
	// ignore LSB bits - same as MSB just reversed order
	return uint8(d), s.Deselect()
}
