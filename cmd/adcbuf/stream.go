// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build linux
// +build linux

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/warthog618/adcbuf"
)

func init() {
	streamCmd.Flags().IntVarP(&streamOpts.Samples, "num-samples", "n", 100, "the number of samples per buffer")
	streamCmd.Flags().UintVarP(&streamOpts.NumBuffers, "num-buffers", "b", 0, "exit after n buffers")
	streamCmd.Flags().BoolVarP(&streamOpts.Quiet, "quiet", "q", false, "don't display buffer details")
	streamCmd.SetHelpTemplate(streamCmd.HelpTemplate() + extendedStreamHelp)
	rootCmd.AddCommand(streamCmd)
}

var extendedStreamHelp = `
Each filled buffer is summarised by its minimum, mean, maximum and standard
deviation.
Buffers that follow dropped samples are marked as overrun.
`

var (
	streamCmd = &cobra.Command{
		Use:   "stream [channel]...",
		Short: "Sample channels continuously",
		Long:  `Sample channels continuously into alternating buffers and summarise each buffer as it fills.`,
		RunE:  stream,
	}
	streamOpts = struct {
		Samples    int
		NumBuffers uint
		Quiet      bool
	}{}
)

type summary struct {
	Time    time.Time
	Channel int
	Index   int
	Overrun bool
	Min     float64
	Max     float64
	Mean    float64
	StdDev  float64
}

func samplesData(vv []uint16) stats.Float64Data {
	data := make(stats.Float64Data, len(vv))
	for i, v := range vv {
		data[i] = float64(v)
	}
	return data
}

// summarise is called from the engine callback so only reads buf.
func summarise(c int, buf adcbuf.Filled, overrun bool) summary {
	s := summary{
		Time:    time.Now(),
		Channel: c,
		Index:   buf.Index,
		Overrun: overrun,
	}
	data := samplesData(buf.Samples)
	// errors only for empty data, which the engine never delivers
	s.Min, _ = data.Min()
	s.Max, _ = data.Max()
	s.Mean, _ = data.Mean()
	s.StdDev, _ = data.StandardDeviation()
	return s
}

func stream(cmd *cobra.Command, args []string) error {
	cc, err := parseChannels(args)
	if err != nil {
		return err
	}
	sumchan := make(chan summary, 2*len(cc))
	errchan := make(chan error, 1)
	var dropped atomic.Uint64
	s, err := openSession(func(p *adcbuf.Params) {
		p.ReturnMode = adcbuf.ReturnCallback
		p.RecurrenceMode = adcbuf.Continuous
		p.Callback = func(e *adcbuf.Engine, conv *adcbuf.Conversion, buf adcbuf.Filled, overrun bool) {
			select {
			case sumchan <- summarise(conv.ID, buf, overrun):
			default:
				dropped.Inc()
			}
		}
		p.ErrorCallback = func(e *adcbuf.Engine, err error) {
			select {
			case errchan <- err:
			default:
			}
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
	if _, err = s.Convert(ctx, s.conversions(cc, streamOpts.Samples, true)); err != nil {
		return err
	}
	err = streamWait(ctx, sumchan, errchan, uint(len(cc)))
	if cerr := s.ConvertCancel(); cerr != nil && cerr != adcbuf.ErrNotRunning {
		logErr(cmd, cerr)
	}
	st := s.Stats()
	logger.Info("stream ended",
		zap.Uint64("buffers", st.Buffers),
		zap.Uint64("overruns", st.Overruns),
		zap.Uint64("dropped", dropped.Load()))
	return err
}

func streamWait(ctx context.Context, sumchan <-chan summary, errchan <-chan error, nchans uint) error {
	count := uint(0)
	for {
		select {
		case s := <-sumchan:
			if !streamOpts.Quiet {
				overrun := ""
				if s.Overrun {
					overrun = " overrun"
				}
				fmt.Printf("ch%-2d buf%d min:%5.0f mean:%7.1f max:%5.0f sd:%6.1f %s%s\n",
					s.Channel, s.Index, s.Min, s.Mean, s.Max, s.StdDev,
					s.Time.Format(time.RFC3339Nano), overrun)
			}
			count++
			if streamOpts.NumBuffers > 0 && count >= streamOpts.NumBuffers*nchans {
				return nil
			}
		case err := <-errchan:
			return err
		case <-ctx.Done():
			return nil
		}
	}
}
