// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package sim provides a simulated converter for exercising an adcbuf.Engine
// without hardware.
package sim

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/warthog618/adcbuf"
)

// Waveform returns the value of the nth sample taken from a channel.
type Waveform func(n uint64) uint16

// Constant returns a Waveform that is always v.
func Constant(v uint16) Waveform {
	return func(uint64) uint16 {
		return v
	}
}

// Ramp returns a Waveform that starts at 0 and increases by step each sample,
// wrapping after top.
func Ramp(step, top uint16) Waveform {
	return func(n uint64) uint16 {
		return uint16((n * uint64(step)) % (uint64(top) + 1))
	}
}

// Sine returns a Waveform oscillating about offset with the given amplitude
// and period, in samples.
func Sine(offset, amplitude float64, period int) Waveform {
	return func(n uint64) uint16 {
		v := offset + amplitude*math.Sin(2*math.Pi*float64(n)/float64(period))
		if v < 0 {
			return 0
		}
		if v > math.MaxUint16 {
			return math.MaxUint16
		}
		return uint16(math.Round(v))
	}
}

// ErrFault is the error returned by an injected fault.
var ErrFault = errors.New("simulated conversion fault")

// ErrUnknownChannel indicates a channel was not set up.
var ErrUnknownChannel = errors.New("channel not set up")

// Source is a simulated adcbuf.Transfer.
//
// Each channel produces samples from its Waveform, counting from 0 at each
// Setup. Channels without a Waveform read as 0.
type Source struct {
	mu       sync.Mutex
	waves    map[int]Waveform
	counts   map[int]uint64
	chans    []adcbuf.Channel
	duration adcbuf.SamplingDuration
	latency  time.Duration
	// samples remaining before the injected fault, or -1 for none.
	faultIn int
	setups  int
	total   uint64
}

// Option modifies the construction of a Source.
type Option func(*Source)

// WithWaveform sets the Waveform for channel ch.
func WithWaveform(ch int, w Waveform) Option {
	return func(s *Source) {
		s.waves[ch] = w
	}
}

// WithLatency sets the time taken by each conversion.
func WithLatency(d time.Duration) Option {
	return func(s *Source) {
		s.latency = d
	}
}

// WithFaultAfter makes the Source fail the conversion following the next n.
func WithFaultAfter(n int) Option {
	return func(s *Source) {
		s.faultIn = n
	}
}

// New creates a Source.
func New(options ...Option) *Source {
	s := &Source{
		waves:   make(map[int]Waveform),
		counts:  make(map[int]uint64),
		faultIn: -1,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Setup records the channels of a campaign and restarts their waveforms.
func (s *Source) Setup(chans []adcbuf.Channel, d adcbuf.SamplingDuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chans = append(s.chans[:0], chans...)
	s.duration = d
	s.counts = make(map[int]uint64)
	for _, c := range chans {
		s.counts[c.ID] = 0
	}
	s.setups++
	return nil
}

// Sample returns the next value of the channel's Waveform.
func (s *Source) Sample(ch int) (uint16, error) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.counts[ch]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownChannel, "channel %d", ch)
	}
	switch {
	case s.faultIn == 0:
		s.faultIn = -1
		return 0, ErrFault
	case s.faultIn > 0:
		s.faultIn--
	}
	s.counts[ch] = n + 1
	s.total++
	w := s.waves[ch]
	if w == nil {
		return 0, nil
	}
	return w(n), nil
}

// InjectFault makes the conversion following the next n fail.
func (s *Source) InjectFault(n int) {
	s.mu.Lock()
	s.faultIn = n
	s.mu.Unlock()
}

// Channels returns the channels of the most recent Setup.
func (s *Source) Channels() []adcbuf.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]adcbuf.Channel(nil), s.chans...)
}

// Duration returns the sampling duration of the most recent Setup.
func (s *Source) Duration() adcbuf.SamplingDuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duration
}

// Setups returns the number of times Setup has been called.
func (s *Source) Setups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setups
}

// Samples returns the total number of samples converted.
func (s *Source) Samples() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
