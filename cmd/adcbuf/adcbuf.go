// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build linux
// +build linux

// adcbuf is a utility to sample ADC channels using the buffered acquisition
// engine.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/warthog618/config"
	"github.com/warthog618/config/blob"
	"github.com/warthog618/config/blob/decoder/json"
	"github.com/warthog618/config/dict"
	"github.com/warthog618/config/env"
	"go.uber.org/zap"

	"github.com/warthog618/adcbuf"
)

var version = "undefined"

var rootCmd = &cobra.Command{
	Use:               "adcbuf",
	Short:             "adcbuf is a utility to sample ADC channels",
	PersistentPreRunE: setup,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	Version: version,
}

var (
	cfg    *config.Config
	logger = zap.NewNop()
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("config-file", "c", "", "read configuration from the JSON file")
	pf.BoolP("verbose", "v", false, "log engine activity")
	pf.StringP("source", "s", "sim", "the converter: sim, mcp3004, mcp3008, mcp3204, mcp3208 or adc0832")
	pf.StringP("trigger", "t", "clock", "the trigger: clock or timerfd")
	pf.Uint32P("rate", "r", 1000, "the sampling frequency in Hz")
	pf.Duration("timeout", time.Second, "the time to wait for a buffer to fill, 0 waits forever")
	pf.Int("duration", int(adcbuf.PulseWidth4), "the sample and hold time in ADC clock pulses")
	pf.Uint32("ref", 3300000, "the reference voltage in microvolts")
	pf.String("chip", "gpiochip0", "the GPIO chip of the SPI lines")
	pf.Duration("tclk", 500*time.Nanosecond, "the SPI half clock period")
	pf.Duration("tset", 750*time.Nanosecond, "the ADC0832 mux settling time")
	pf.Int("clk", 21, "the SPI clock line")
	pf.Int("csz", 6, "the SPI chip select line")
	pf.Int("di", 19, "the SPI data line into the ADC")
	pf.Int("do", 26, "the SPI data line out of the ADC")
}

func main() {
	err := rootCmd.Execute()
	logger.Sync()
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func logErr(cmd *cobra.Command, err error) {
	fmt.Fprintf(os.Stderr, "adcbuf %s: %s\n", cmd.Name(), err)
}

// setup loads the configuration and builds the logger.
//
// Command line flags override the environment, which overrides the config
// file, which overrides the flag defaults.
func setup(cmd *cobra.Command, args []string) error {
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}
	if verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
	} else if logger, err = zap.NewProduction(); err != nil {
		return err
	}
	cfg = loadConfig(cmd.Flags())
	return nil
}

func configKey(flag string) string {
	return strings.Replace(flag, "-", ".", -1)
}

func loadConfig(fs *pflag.FlagSet) *config.Config {
	defaultConfig := make(map[string]interface{})
	fs.VisitAll(func(f *pflag.Flag) {
		if f.DefValue != "" {
			defaultConfig[configKey(f.Name)] = f.DefValue
		}
	})
	flagConfig := make(map[string]interface{})
	fs.Visit(func(f *pflag.Flag) {
		flagConfig[configKey(f.Name)] = f.Value.String()
	})
	def := dict.New(dict.WithMap(defaultConfig))
	// highest priority sources first - flags override environment
	c := config.New(
		dict.New(dict.WithMap(flagConfig)),
		env.New(env.WithEnvPrefix("ADCBUF_")),
		config.WithDefault(def))
	c.Append(
		blob.NewConfigFile(c, "config.file", "adcbuf.json", json.NewDecoder()))
	return c.GetConfig("", config.WithMust())
}

func parseChannels(args []string) ([]int, error) {
	if len(args) == 0 {
		return []int{0}, nil
	}
	cc := []int(nil)
	for _, arg := range args {
		c, err := strconv.ParseUint(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("can't parse channel '%s'", arg)
		}
		if c > adcbuf.MaxChannelID {
			return nil, fmt.Errorf("unknown channel '%d'", c)
		}
		cc = append(cc, int(c))
	}
	return cc, nil
}
