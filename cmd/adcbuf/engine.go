// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build linux
// +build linux

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/warthog618/gpiod"
	"go.uber.org/multierr"

	"github.com/warthog618/adcbuf"
	"github.com/warthog618/adcbuf/sim"
	"github.com/warthog618/adcbuf/spi/adc0832"
	"github.com/warthog618/adcbuf/spi/mcp3w0c"
	"github.com/warthog618/adcbuf/timerfd"
)

// session is an open engine and the converter it samples.
type session struct {
	*adcbuf.Engine
	device io.Closer
	bits   uint
	ref    uint32
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}

func newSource() (adcbuf.Transfer, io.Closer, uint, error) {
	src := cfg.MustGet("source").String()
	if src == "sim" {
		s := sim.New(
			sim.WithWaveform(0, sim.Sine(2048, 2000, 100)),
			sim.WithWaveform(1, sim.Ramp(1, 4095)),
			sim.WithWaveform(2, sim.Constant(2048)))
		return s, nopCloser{}, 12, nil
	}
	c, err := gpiod.NewChip(cfg.MustGet("chip").String(), gpiod.WithConsumer("adcbuf"))
	if err != nil {
		return nil, nil, 0, err
	}
	defer c.Close()
	tclk := cfg.MustGet("tclk").Duration()
	clk := int(cfg.MustGet("clk").Int())
	csz := int(cfg.MustGet("csz").Int())
	di := int(cfg.MustGet("di").Int())
	do := int(cfg.MustGet("do").Int())
	switch src {
	case "mcp3004", "mcp3008", "mcp3204", "mcp3208":
		ctor := map[string]func(*gpiod.Chip, time.Duration, int, int, int, int) (*mcp3w0c.MCP3w0c, error){
			"mcp3004": mcp3w0c.NewMCP3004,
			"mcp3008": mcp3w0c.NewMCP3008,
			"mcp3204": mcp3w0c.NewMCP3204,
			"mcp3208": mcp3w0c.NewMCP3208,
		}[src]
		adc, err := ctor(c, tclk, clk, csz, di, do)
		if err != nil {
			return nil, nil, 0, err
		}
		return adc, adc, adc.Resolution(), nil
	case "adc0832":
		tset := cfg.MustGet("tset").Duration()
		if tset < tclk {
			tset = tclk
		}
		adc, err := adc0832.New(c, tclk, tset, clk, csz, di, do)
		if err != nil {
			return nil, nil, 0, err
		}
		return adc, adc, 8, nil
	}
	return nil, nil, 0, fmt.Errorf("unknown source '%s'", src)
}

func newTrigger() (adcbuf.Trigger, error) {
	switch t := cfg.MustGet("trigger").String(); t {
	case "clock":
		return adcbuf.NewClockTrigger(nil), nil
	case "timerfd":
		return timerfd.New(), nil
	default:
		return nil, fmt.Errorf("unknown trigger '%s'", t)
	}
}

// openSession opens an engine with the configured source, trigger and
// sampling parameters, overlaid by mod.
func openSession(mod func(p *adcbuf.Params)) (*session, error) {
	trig, err := newTrigger()
	if err != nil {
		return nil, err
	}
	x, device, bits, err := newSource()
	if err != nil {
		return nil, err
	}
	e := adcbuf.New(trig, x, adcbuf.WithLogger(logger))
	p := adcbuf.DefaultParams()
	p.SamplingFrequency = uint32(cfg.MustGet("rate").Int())
	p.SamplingDuration = adcbuf.SamplingDuration(cfg.MustGet("duration").Int())
	p.Timeout = cfg.MustGet("timeout").Duration()
	p.Resolution = bits
	if mod != nil {
		mod(&p)
	}
	if err := e.Open(p); err != nil {
		device.Close()
		return nil, err
	}
	return &session{
		Engine: e,
		device: device,
		bits:   bits,
		ref:    uint32(cfg.MustGet("ref").Int()),
	}, nil
}

func (s *session) Close() error {
	return multierr.Combine(s.Engine.Close(), s.device.Close())
}

func (s *session) conversions(cc []int, count int, double bool) []adcbuf.Conversion {
	convs := make([]adcbuf.Conversion, len(cc))
	for i, c := range cc {
		convs[i] = adcbuf.Conversion{
			Channel:     adcbuf.Channel{ID: c, RefVoltage: s.ref},
			SampleCount: count,
			Buffer:      make([]uint16, count),
		}
		if double {
			convs[i].BufferTwo = make([]uint16, count)
		}
	}
	return convs
}
