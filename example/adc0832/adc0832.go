// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/warthog618/config"
	"github.com/warthog618/config/blob"
	"github.com/warthog618/config/blob/decoder/json"
	"github.com/warthog618/config/dict"
	"github.com/warthog618/config/env"
	"github.com/warthog618/config/pflag"
	"github.com/warthog618/gpiod"

	"github.com/warthog618/adcbuf"
	"github.com/warthog618/adcbuf/spi/adc0832"
)

// This example streams both channels from an ADC0832 connected to the RPI by
// four data lines - CSZ, CLK, DI, and DO - printing the first sample of each
// buffer as it fills.
// The default pin assignments are defined in loadConfig, but can be altered
// via configuration (env, flag or config file).
// All pins other than DO are outputs so do not run this example on a board
// where those pins serve other purposes.
func main() {
	cfg := loadConfig()
	tclk := cfg.MustGet("tclk").Duration()
	tset := cfg.MustGet("tset").Duration()
	if tset < tclk {
		tset = tclk
	}
	c, err := gpiod.NewChip(cfg.MustGet("gpiochip").String(), gpiod.WithConsumer("adc0832"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "adc0832: %s\n", err)
		os.Exit(1)
	}
	a, err := adc0832.New(
		c,
		tclk,
		tset,
		int(cfg.MustGet("clk").Int()),
		int(cfg.MustGet("csz").Int()),
		int(cfg.MustGet("di").Int()),
		int(cfg.MustGet("do").Int()))
	c.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "adc0832: %s\n", err)
		os.Exit(1)
	}
	defer a.Close()

	bufs := make(chan string, 8)
	done := make(chan error, 1)
	p := adcbuf.DefaultParams()
	p.ReturnMode = adcbuf.ReturnCallback
	p.RecurrenceMode = adcbuf.Continuous
	p.SamplingFrequency = uint32(cfg.MustGet("rate").Int())
	p.Resolution = 8
	p.Callback = func(e *adcbuf.Engine, conv *adcbuf.Conversion, buf adcbuf.Filled, overrun bool) {
		select {
		case bufs <- fmt.Sprintf("ch%d buf%d=0x%02x overrun=%t", conv.ID, buf.Index, buf.Samples[0], overrun):
		default:
		}
	}
	p.ErrorCallback = func(e *adcbuf.Engine, err error) {
		select {
		case done <- err:
		default:
		}
	}
	e := adcbuf.New(adcbuf.NewClockTrigger(nil), a)
	if err := e.Open(p); err != nil {
		fmt.Fprintf(os.Stderr, "adc0832: %s\n", err)
		os.Exit(1)
	}
	defer e.Close()
	n := int(cfg.MustGet("samples").Int())
	convs := []adcbuf.Conversion{
		{Channel: adcbuf.Channel{ID: 0}, SampleCount: n, Buffer: make([]uint16, n), BufferTwo: make([]uint16, n)},
		{Channel: adcbuf.Channel{ID: 1}, SampleCount: n, Buffer: make([]uint16, n), BufferTwo: make([]uint16, n)},
	}
	if _, err := e.Convert(context.Background(), convs); err != nil {
		fmt.Fprintf(os.Stderr, "adc0832: %s\n", err)
		return
	}
	defer e.ConvertCancel()
	for i := 0; i < 2*int(cfg.MustGet("buffers").Int()); i++ {
		select {
		case s := <-bufs:
			fmt.Println(s)
		case err := <-done:
			fmt.Fprintf(os.Stderr, "adc0832: %s\n", err)
			return
		}
	}
}

func loadConfig() *config.Config {
	defaultConfig := map[string]interface{}{
		"gpiochip": "gpiochip0",
		"tclk":     "2500ns",
		"tset":     "2500ns", // should be at least tclk - enforced in main
		"rate":     100,
		"samples":  10,
		"buffers":  4,
		"csz":      5,
		"clk":      6,
		"do":       13,
		"di":       19,
	}
	def := dict.New(dict.WithMap(defaultConfig))
	shortFlags := map[byte]string{
		'c': "config-file",
	}
	// highest priority sources first - flags override environment
	cfg := config.New(
		pflag.New(pflag.WithShortFlags(shortFlags)),
		env.New(env.WithEnvPrefix("ADC0832_")),
		config.WithDefault(def))
	cfg.Append(
		blob.NewConfigFile(cfg, "config.file", "adc0832.json", json.NewDecoder()))
	cfg = cfg.GetConfig("", config.WithMust())
	return cfg
}
