// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build linux
// +build linux

package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warthog618/adcbuf"
)

func init() {
	voltsCmd.Flags().IntVarP(&voltsOpts.Samples, "num-samples", "n", 10, "the number of samples averaged per channel")
	voltsCmd.Flags().Float64VarP(&voltsOpts.Gain, "gain", "g", 1, "the calibration gain applied to each sample")
	voltsCmd.Flags().Int32VarP(&voltsOpts.Offset, "offset", "o", 0, "the calibration offset applied to each sample")
	rootCmd.AddCommand(voltsCmd)
}

var (
	voltsCmd = &cobra.Command{
		Use:     "volts [channel]...",
		Short:   "Measure the voltage on channels",
		Long:    `Sample channels, apply the calibration, and tabulate the mean voltage of each.`,
		Example: "  adcbuf volts --ref 2500000 0 1",
		RunE:    volts,
	}
	voltsOpts = struct {
		Samples int
		Gain    float64
		Offset  int32
	}{}
)

func volts(cmd *cobra.Command, args []string) error {
	cc, err := parseChannels(args)
	if err != nil {
		return err
	}
	cal := adcbuf.Calibration{Gain: voltsOpts.Gain, Offset: voltsOpts.Offset}
	s, err := openSession(func(p *adcbuf.Params) {
		p.Calibrations = make(map[int]adcbuf.Calibration)
		for _, c := range cc {
			p.Calibrations[c] = cal
		}
	})
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
	res, err := s.Convert(ctx, s.conversions(cc, voltsOpts.Samples, false))
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Channel", "Raw", "Adjusted", "Volts", "SD (mV)"})
	for i, c := range cc {
		adj, err := s.AdjustRawValues(res.Buffers[i], s.Calibration(c))
		if err != nil {
			return err
		}
		uv, err := adcbuf.ConvertToMicrovolts(adj, s.ref, s.bits)
		if err != nil {
			return err
		}
		logger.Debug("converted", zap.Int("channel", c), zap.Uint16s("adjusted", adj))
		raw, err := samplesData(res.Buffers[i]).Mean()
		if err != nil {
			return err
		}
		mean, err := samplesData(adj).Mean()
		if err != nil {
			return err
		}
		data := make(stats.Float64Data, len(uv))
		for j, v := range uv {
			data[j] = float64(v)
		}
		v, err := data.Mean()
		if err != nil {
			return err
		}
		sd, err := data.StandardDeviation()
		if err != nil {
			return err
		}
		t.AppendRow(table.Row{
			c,
			fmt.Sprintf("%.1f", raw),
			fmt.Sprintf("%.1f", mean),
			fmt.Sprintf("%.6f", v/1e6),
			fmt.Sprintf("%.3f", sd/1e3),
		})
	}
	fmt.Println(t.Render())
	return nil
}
