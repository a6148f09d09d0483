// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Trigger is a periodic event source that paces sampling.
type Trigger interface {
	// Arm starts calling tick at hz until tick returns false or the
	// trigger is disarmed. Ticks are never delivered concurrently.
	// missed is the number of periods since the previous tick, or since
	// arming, for which no tick was delivered.
	Arm(hz uint32, tick func(missed uint64) bool) error

	// Disarm stops the trigger. It returns only once no tick is in
	// progress, so it must not be called from within tick.
	// Disarming an idle trigger is not an error.
	Disarm() error
}

// Transfer converts and moves individual samples from the converter.
type Transfer interface {
	// Setup configures the converter for the channels of a campaign.
	// It is called before the trigger is armed.
	Setup(chans []Channel, d SamplingDuration) error

	// Sample returns one raw conversion of channel ch.
	// It is called from tick context and must not block for long.
	Sample(ch int) (uint16, error)
}

// ErrArmed indicates the trigger is already running.
var ErrArmed = errors.New("trigger already armed")

// ClockTrigger is a Trigger driven by a ticker from a clock.
//
// With clock.New it is a software timer, good for rates up to a few kHz.
// With a clock.Mock it is driven by the test.
type ClockTrigger struct {
	mu    sync.Mutex
	clock clock.Clock
	stop  chan struct{}
	done  chan struct{}
}

// NewClockTrigger creates a ClockTrigger on the clock, or on the system clock
// if c is nil.
func NewClockTrigger(c clock.Clock) *ClockTrigger {
	if c == nil {
		c = clock.New()
	}
	return &ClockTrigger{clock: c}
}

// Arm starts the ticker.
//
// Ticks dropped by the ticker, as the previous tick ran late, are reported
// as missed.
func (t *ClockTrigger) Arm(hz uint32, tick func(missed uint64) bool) error {
	if hz == 0 {
		return invalidArgument("zero trigger frequency")
	}
	period := time.Second / time.Duration(hz)
	if period <= 0 {
		return invalidArgument("trigger frequency %d too high", hz)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return ErrArmed
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	last := t.clock.Now()
	ticker := t.clock.Ticker(period)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			var now time.Time
			select {
			case <-stop:
				return
			case now = <-ticker.C:
			}
			// stop wins over a pending tick
			select {
			case <-stop:
				return
			default:
			}
			missed := missedPeriods(now.Sub(last), period)
			last = now
			if !tick(missed) {
				return
			}
		}
	}()
	t.stop = stop
	t.done = done
	return nil
}

// Disarm stops the ticker and waits for any tick in progress.
func (t *ClockTrigger) Disarm() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop == nil {
		return nil
	}
	close(t.stop)
	<-t.done
	t.stop = nil
	t.done = nil
	return nil
}

// missedPeriods returns the number of whole periods in gap beyond the first,
// rounding to the nearest period to absorb jitter.
func missedPeriods(gap, period time.Duration) uint64 {
	n := (gap + period/2) / period
	if n <= 1 {
		return 0
	}
	return uint64(n - 1)
}
