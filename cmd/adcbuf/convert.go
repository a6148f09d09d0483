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
	"os/signal"

	"github.com/spf13/cobra"
)

func init() {
	convertCmd.Flags().IntVarP(&convertOpts.Samples, "num-samples", "n", 10, "the number of samples per channel")
	convertCmd.Flags().BoolVarP(&convertOpts.Short, "short", "S", false, "single line output format")
	convertCmd.SetHelpTemplate(convertCmd.HelpTemplate() + extendedConvertHelp)
	rootCmd.AddCommand(convertCmd)
}

var (
	convertCmd = &cobra.Command{
		Use:     "convert [channel]...",
		Short:   "Sample channels once",
		Example: "  adcbuf convert -n 20 0 1",
		RunE:    convert,
	}
	convertOpts = struct {
		Samples int
		Short   bool
	}{}
)

var extendedConvertHelp = `
Channels:
  Channels are identified by number (0-23) and default to channel 0.
`

// interruptible returns a context cancelled by an interrupt.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func convert(cmd *cobra.Command, args []string) error {
	cc, err := parseChannels(args)
	if err != nil {
		return err
	}
	s, err := openSession(nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logErr(cmd, err)
		}
	}()
	ctx, cancel := interruptible()
	defer cancel()
	res, err := s.Convert(ctx, s.conversions(cc, convertOpts.Samples, false))
	if err != nil {
		return err
	}
	for i, c := range cc {
		if convertOpts.Short {
			printSamplesShort(res.Buffers[i])
		} else {
			printSamples(c, res.Buffers[i])
		}
	}
	return nil
}

func printSamples(c int, vv []uint16) {
	fmt.Printf("ch%d:", c)
	for _, v := range vv {
		fmt.Printf(" 0x%04x", v)
	}
	fmt.Println()
}

func printSamplesShort(vv []uint16) {
	fmt.Printf("%d", vv[0])
	for _, v := range vv[1:] {
		fmt.Printf(" %d", v)
	}
	fmt.Println()
}
