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
	"github.com/warthog618/adcbuf/spi/mcp3w0c"
	"github.com/warthog618/adcbuf/timerfd"
)

// This example samples all channels of an MCP3008 connected to the RPI by four
// data lines - CSZ, CLK, DI, and DO - at a fixed rate paced by a timerfd.
// The default pin assignments are defined in loadConfig, but can be altered
// via configuration (env, flag or config file).
// All pins other than DO are outputs so do not run this example on a board
// where those pins serve other purposes.
func main() {
	cfg := loadConfig()
	c, err := gpiod.NewChip(cfg.MustGet("gpiochip").String(), gpiod.WithConsumer("mcp3008"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp3008: %s\n", err)
		os.Exit(1)
	}
	adc, err := mcp3w0c.NewMCP3008(
		c,
		cfg.MustGet("tclk").Duration(),
		int(cfg.MustGet("clk").Int()),
		int(cfg.MustGet("csz").Int()),
		int(cfg.MustGet("di").Int()),
		int(cfg.MustGet("do").Int()))
	c.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp3008: %s\n", err)
		os.Exit(1)
	}
	defer adc.Close()

	e := adcbuf.New(timerfd.New(), adc)
	p := adcbuf.DefaultParams()
	p.SamplingFrequency = uint32(cfg.MustGet("rate").Int())
	p.Timeout = cfg.MustGet("timeout").Duration()
	p.Resolution = adc.Resolution()
	if err := e.Open(p); err != nil {
		fmt.Fprintf(os.Stderr, "mcp3008: %s\n", err)
		os.Exit(1)
	}
	defer e.Close()
	n := int(cfg.MustGet("samples").Int())
	convs := make([]adcbuf.Conversion, 8)
	for ch := range convs {
		convs[ch] = adcbuf.Conversion{
			Channel:     adcbuf.Channel{ID: ch},
			SampleCount: n,
			Buffer:      make([]uint16, n),
		}
	}
	res, err := e.Convert(context.Background(), convs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp3008: %s\n", err)
		return
	}
	for ch, buf := range res.Buffers {
		fmt.Printf("ch%d=%04x\n", ch, buf)
	}
}

func loadConfig() *config.Config {
	defaultConfig := map[string]interface{}{
		"gpiochip": "gpiochip0",
		"tclk":     "500ns",
		"rate":     1000,
		"timeout":  "1s",
		"samples":  4,
		"clk":      21,
		"csz":      6,
		"di":       19,
		"do":       26,
	}
	def := dict.New(dict.WithMap(defaultConfig))
	shortFlags := map[byte]string{
		'c': "config-file",
	}
	// highest priority sources first - flags override environment
	cfg := config.New(
		pflag.New(pflag.WithShortFlags(shortFlags)),
		env.New(env.WithEnvPrefix("MCP3008_")),
		config.WithDefault(def))
	cfg.Append(
		blob.NewConfigFile(cfg, "config.file", "mcp3008.json", json.NewDecoder()))
	cfg = cfg.GetConfig("", config.WithMust())
	return cfg
}
