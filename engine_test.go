// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/warthog618/adcbuf"
	"github.com/warthog618/adcbuf/sim"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// manualTrigger is a Trigger fired explicitly by the test.
type manualTrigger struct {
	// fire is held for the duration of each tick, so Disarm waits for it.
	fire   sync.Mutex
	mu     sync.Mutex
	tick   func(missed uint64) bool
	hz     uint32
	arms   int
	armErr error
}

func (t *manualTrigger) Arm(hz uint32, tick func(missed uint64) bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armErr != nil {
		return t.armErr
	}
	if t.tick != nil {
		return adcbuf.ErrArmed
	}
	t.tick = tick
	t.hz = hz
	t.arms++
	return nil
}

func (t *manualTrigger) Disarm() error {
	t.fire.Lock()
	defer t.fire.Unlock()
	t.mu.Lock()
	t.tick = nil
	t.mu.Unlock()
	return nil
}

func (t *manualTrigger) armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tick != nil
}

// Fire delivers up to n ticks and returns the number delivered.
func (t *manualTrigger) Fire(n int) int {
	for i := 0; i < n; i++ {
		fired, more := t.fireOne(0)
		if !fired {
			return i
		}
		if !more {
			return i + 1
		}
	}
	return n
}

// FireLate delivers a tick reporting that missed ticks were skipped before
// it, and returns true if it was delivered.
func (t *manualTrigger) FireLate(missed uint64) bool {
	fired, _ := t.fireOne(missed)
	return fired
}

func (t *manualTrigger) fireOne(missed uint64) (fired, more bool) {
	t.fire.Lock()
	defer t.fire.Unlock()
	t.mu.Lock()
	tick := t.tick
	t.mu.Unlock()
	if tick == nil {
		return false, false
	}
	if !tick(missed) {
		t.mu.Lock()
		t.tick = nil
		t.mu.Unlock()
		return true, false
	}
	return true, true
}

func waitArmed(t *testing.T, trig *manualTrigger) bool {
	return assert.Eventually(t, trig.armed, time.Second, time.Millisecond)
}

func waitState(t *testing.T, e *adcbuf.Engine, s adcbuf.State) bool {
	return assert.Eventually(t, func() bool { return e.State() == s }, time.Second, time.Millisecond)
}

func single(ch, count int) []adcbuf.Conversion {
	return []adcbuf.Conversion{{
		Channel:     adcbuf.Channel{ID: ch},
		SampleCount: count,
		Buffer:      make([]uint16, count),
		BufferTwo:   make([]uint16, count),
	}}
}

func ramp(n, from int) []uint16 {
	r := make([]uint16, n)
	for i := range r {
		r[i] = uint16(from + i)
	}
	return r
}

func TestOpenClose(t *testing.T) {
	pwr := &adcbuf.Constraint{}
	e := adcbuf.New(&manualTrigger{}, sim.New(), adcbuf.WithPower(pwr))
	assert.Equal(t, adcbuf.StateClosed, e.State())

	err := e.Close()
	assert.ErrorIs(t, err, adcbuf.ErrBusy)

	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.Equal(t, 1, pwr.Count())

	err = e.Open(adcbuf.DefaultParams())
	assert.Equal(t, adcbuf.ErrAlreadyOpen, err)
	assert.Equal(t, 1, pwr.Count())

	require.Nil(t, e.Close())
	assert.Equal(t, adcbuf.StateClosed, e.State())
	assert.Equal(t, 0, pwr.Count())

	// reopen
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	assert.Equal(t, 1, pwr.Count())
	require.Nil(t, e.Close())
	assert.Equal(t, 0, pwr.Count())
}

func TestOpenInvalid(t *testing.T) {
	patterns := []struct {
		name string
		mod  func(p *adcbuf.Params)
	}{
		{"zero frequency", func(p *adcbuf.Params) { p.SamplingFrequency = 0 }},
		{"sampling duration", func(p *adcbuf.Params) { p.SamplingDuration = 5 }},
		{"resolution", func(p *adcbuf.Params) { p.Resolution = 17 }},
		{"return mode", func(p *adcbuf.Params) { p.ReturnMode = 7 }},
		{"recurrence mode", func(p *adcbuf.Params) { p.RecurrenceMode = 7 }},
		{"negative timeout", func(p *adcbuf.Params) { p.Timeout = -time.Second }},
		{"no callback", func(p *adcbuf.Params) { p.ReturnMode = adcbuf.ReturnCallback }},
		{"negative gain", func(p *adcbuf.Params) {
			p.Calibrations = map[int]adcbuf.Calibration{2: {Gain: -1}}
		}},
	}
	for _, p := range patterns {
		tf := func(t *testing.T) {
			pwr := &adcbuf.Constraint{}
			e := adcbuf.New(&manualTrigger{}, sim.New(), adcbuf.WithPower(pwr))
			params := adcbuf.DefaultParams()
			p.mod(&params)
			err := e.Open(params)
			assert.ErrorIs(t, err, adcbuf.ErrInvalidArgument)
			assert.Equal(t, adcbuf.StateClosed, e.State())
			assert.Equal(t, 0, pwr.Count())
		}
		t.Run(p.name, tf)
	}
}

func TestConvertClosed(t *testing.T) {
	e := adcbuf.New(&manualTrigger{}, sim.New())
	_, err := e.Convert(context.Background(), single(0, 4))
	assert.ErrorIs(t, err, adcbuf.ErrBusy)
}

func TestConvertInvalid(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New()
	e := adcbuf.New(trig, src)
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	_, err := e.Convert(context.Background(), nil)
	assert.ErrorIs(t, err, adcbuf.ErrInvalidArgument)
	convs := single(0, 4)
	convs[0].ID = adcbuf.MaxChannelID + 1
	_, err = e.Convert(context.Background(), convs)
	assert.ErrorIs(t, err, adcbuf.ErrInvalidArgument)

	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.Equal(t, 0, src.Setups())
	assert.Equal(t, 0, trig.arms)
}

func TestOneShotBlocking(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithWaveform(3, sim.Ramp(1, 1000)))
	e := adcbuf.New(trig, src, adcbuf.WithLogger(zaptest.NewLogger(t)))
	p := adcbuf.DefaultParams()
	p.SamplingDuration = adcbuf.PulseWidth16
	require.Nil(t, e.Open(p))
	defer e.Close()

	buf := make([]uint16, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if waitArmed(t, trig) {
			assert.Equal(t, 10, trig.Fire(20))
		}
	}()
	res, err := e.Convert(context.Background(), []adcbuf.Conversion{
		{Channel: adcbuf.Channel{ID: 3}, SampleCount: 10, Buffer: buf},
	})
	<-done
	require.Nil(t, err)
	assert.Equal(t, 0, res.Index)
	assert.False(t, res.Overrun)
	require.Len(t, res.Buffers, 1)
	assert.Equal(t, ramp(10, 0), res.Buffers[0])
	assert.Equal(t, ramp(10, 0), buf)
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.Equal(t, uint32(10000), trig.hz)
	assert.Equal(t, adcbuf.PulseWidth16, src.Duration())
	assert.Equal(t, uint64(10), src.Samples())
	assert.Equal(t, adcbuf.Stats{Buffers: 1}, e.Stats())
}

func TestOneShotMultiChannel(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(
		sim.WithWaveform(1, sim.Constant(100)),
		sim.WithWaveform(2, sim.Ramp(2, 1000)))
	e := adcbuf.New(trig, src)
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	convs := []adcbuf.Conversion{
		{Channel: adcbuf.Channel{ID: 1}, SampleCount: 3, Buffer: make([]uint16, 3)},
		{Channel: adcbuf.Channel{ID: 2, RefSource: adcbuf.RefInternal}, SampleCount: 3, Buffer: make([]uint16, 4)},
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if waitArmed(t, trig) {
			trig.Fire(3)
		}
	}()
	res, err := e.Convert(context.Background(), convs)
	<-done
	require.Nil(t, err)
	require.Len(t, res.Buffers, 2)
	assert.Equal(t, []uint16{100, 100, 100}, res.Buffers[0])
	assert.Equal(t, []uint16{0, 2, 4}, res.Buffers[1])
	// only the sample count is written
	assert.Equal(t, []uint16{0, 2, 4, 0}, convs[1].Buffer)
	assert.Equal(t, []adcbuf.Channel{convs[0].Channel, convs[1].Channel}, src.Channels())
}

func TestOneShotRealTrigger(t *testing.T) {
	e := adcbuf.New(adcbuf.NewClockTrigger(nil), sim.New(sim.WithWaveform(0, sim.Ramp(1, 100))))
	p := adcbuf.DefaultParams()
	p.SamplingFrequency = 1000
	p.Timeout = 50 * time.Millisecond
	require.Nil(t, e.Open(p))
	defer e.Close()

	start := time.Now()
	res, err := e.Convert(context.Background(), single(0, 10))
	elapsed := time.Since(start)
	require.Nil(t, err)
	assert.Equal(t, ramp(10, 0), res.Buffers[0])
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Equal(t, adcbuf.StateIdle, e.State())
}

func TestOneShotTimeout(t *testing.T) {
	e := adcbuf.New(adcbuf.NewClockTrigger(nil), sim.New())
	p := adcbuf.DefaultParams()
	p.SamplingFrequency = 1000
	p.Timeout = 5 * time.Millisecond
	require.Nil(t, e.Open(p))
	defer e.Close()

	_, err := e.Convert(context.Background(), single(0, 10))
	assert.ErrorIs(t, err, adcbuf.ErrTimeout)
	assert.Equal(t, adcbuf.StateIdle, e.State())

	// recovers
	res, err := e.Convert(context.Background(), single(0, 1))
	assert.Nil(t, err)
	assert.Len(t, res.Buffers, 1)
}

func TestTimeoutMockClock(t *testing.T) {
	trig := &manualTrigger{}
	mock := clock.NewMock()
	e := adcbuf.New(trig, sim.New(), adcbuf.WithClock(mock))
	p := adcbuf.DefaultParams()
	p.Timeout = 10 * time.Millisecond
	require.Nil(t, e.Open(p))
	defer e.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := e.Convert(context.Background(), single(0, 4))
		errs <- err
	}()
	require.True(t, waitArmed(t, trig))
	trig.Fire(2)
	var err error
	require.Eventually(t, func() bool {
		mock.Add(p.Timeout)
		select {
		case err = <-errs:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, err, adcbuf.ErrTimeout)
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.False(t, trig.armed())
}

func TestConvertBusy(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithWaveform(0, sim.Ramp(1, 100)))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.ReturnMode = adcbuf.ReturnCallback
	p.RecurrenceMode = adcbuf.Continuous
	got := make(chan []uint16, 4)
	p.Callback = func(e *adcbuf.Engine, conv *adcbuf.Conversion, buf adcbuf.Filled, overrun bool) {
		got <- append([]uint16(nil), buf.Samples...)
	}
	require.Nil(t, e.Open(p))
	defer e.Close()

	convs := single(0, 4)
	_, err := e.Convert(context.Background(), convs)
	require.Nil(t, err)
	assert.Equal(t, adcbuf.StateArmed, e.State())
	trig.Fire(2)
	assert.Equal(t, adcbuf.StateSampling, e.State())

	other := single(1, 4)
	other[0].Buffer[0] = 42
	_, err = e.Convert(context.Background(), other)
	assert.ErrorIs(t, err, adcbuf.ErrBusy)
	assert.Equal(t, uint16(42), other[0].Buffer[0])
	err = e.Close()
	assert.ErrorIs(t, err, adcbuf.ErrBusy)

	trig.Fire(2)
	select {
	case samples := <-got:
		assert.Equal(t, ramp(4, 0), samples)
	case <-time.After(time.Second):
		assert.Fail(t, "no callback")
	}
	require.Nil(t, e.ConvertCancel())
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.Equal(t, 1, src.Setups())
}

func TestOneShotCallback(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(
		sim.WithWaveform(4, sim.Ramp(1, 100)),
		sim.WithWaveform(5, sim.Constant(7)))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.ReturnMode = adcbuf.ReturnCallback
	type call struct {
		arg     interface{}
		buf     adcbuf.Filled
		overrun bool
		state   adcbuf.State
	}
	calls := make(chan call, 4)
	p.Callback = func(e *adcbuf.Engine, conv *adcbuf.Conversion, buf adcbuf.Filled, overrun bool) {
		calls <- call{conv.Arg, buf, overrun, e.State()}
	}
	p.ErrorCallback = func(e *adcbuf.Engine, err error) {
		assert.Fail(t, "unexpected error", err)
	}
	require.Nil(t, e.Open(p))
	defer e.Close()

	convs := []adcbuf.Conversion{
		{Channel: adcbuf.Channel{ID: 4}, SampleCount: 5, Buffer: make([]uint16, 5), Arg: "first"},
		{Channel: adcbuf.Channel{ID: 5}, SampleCount: 5, Buffer: make([]uint16, 5), Arg: 2},
	}
	res, err := e.Convert(context.Background(), convs)
	require.Nil(t, err)
	assert.Equal(t, adcbuf.Result{}, res)
	assert.Equal(t, 5, trig.Fire(10))

	for i, expected := range []call{
		{"first", adcbuf.Filled{Samples: ramp(5, 0)}, false, adcbuf.StateIdle},
		{2, adcbuf.Filled{Samples: []uint16{7, 7, 7, 7, 7}}, false, adcbuf.StateIdle},
	} {
		select {
		case c := <-calls:
			assert.Equal(t, expected, c, i)
		case <-time.After(time.Second):
			require.Fail(t, "missing callback", i)
		}
	}
	assert.True(t, waitState(t, e, adcbuf.StateIdle))
	select {
	case c := <-calls:
		assert.Fail(t, "spurious callback", c)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestContinuousCallback(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithWaveform(0, sim.Ramp(1, 1000)))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.ReturnMode = adcbuf.ReturnCallback
	p.RecurrenceMode = adcbuf.Continuous
	type call struct {
		index   int
		samples []uint16
		overrun bool
	}
	calls := make(chan call, 16)
	p.Callback = func(e *adcbuf.Engine, conv *adcbuf.Conversion, buf adcbuf.Filled, overrun bool) {
		assert.Equal(t, adcbuf.StateDraining, e.State())
		calls <- call{buf.Index, append([]uint16(nil), buf.Samples...), overrun}
	}
	var cancelled []error
	var mu sync.Mutex
	p.ErrorCallback = func(e *adcbuf.Engine, err error) {
		mu.Lock()
		cancelled = append(cancelled, err)
		mu.Unlock()
	}
	require.Nil(t, e.Open(p))
	defer e.Close()

	convs := single(0, 3)
	_, err := e.Convert(context.Background(), convs)
	require.Nil(t, err)
	const fills = 6
	for k := 0; k < fills; k++ {
		assert.Equal(t, 3, trig.Fire(3))
		select {
		case c := <-calls:
			assert.Equal(t, call{k % 2, ramp(3, 3*k), false}, c, k)
		case <-time.After(time.Second):
			require.Fail(t, "missing callback", k)
		}
		// wait for the buffer to be released
		require.True(t, waitState(t, e, adcbuf.StateSampling))
	}
	assert.Equal(t, adcbuf.Stats{Buffers: fills}, e.Stats())

	require.Nil(t, e.ConvertCancel())
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.Equal(t, 0, trig.Fire(1))
	assert.Equal(t, adcbuf.ErrNotRunning, e.ConvertCancel())
	mu.Lock()
	assert.Equal(t, []error{adcbuf.ErrCancelled}, cancelled)
	mu.Unlock()
}

func TestContinuousOverrun(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithWaveform(0, sim.Ramp(1, 1000)))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.ReturnMode = adcbuf.ReturnCallback
	p.RecurrenceMode = adcbuf.Continuous
	type call struct {
		index   int
		samples []uint16
		overrun bool
	}
	calls := make(chan call, 16)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var first sync.Once
	p.Callback = func(e *adcbuf.Engine, conv *adcbuf.Conversion, buf adcbuf.Filled, overrun bool) {
		calls <- call{buf.Index, append([]uint16(nil), buf.Samples...), overrun}
		first.Do(func() {
			close(entered)
			<-unblock
		})
	}
	require.Nil(t, e.Open(p))
	defer e.Close()

	_, err := e.Convert(context.Background(), single(0, 2))
	require.Nil(t, err)
	trig.Fire(2)
	<-entered
	assert.Equal(t, call{0, []uint16{0, 1}, false}, <-calls)

	// buffer 0 is still held, so buffer 1 is refilled
	trig.Fire(2)
	assert.Equal(t, uint64(1), e.Stats().Overruns)
	trig.Fire(2)
	assert.Equal(t, uint64(2), e.Stats().Overruns)
	assert.Equal(t, adcbuf.StateDraining, e.State())

	close(unblock)
	require.True(t, waitState(t, e, adcbuf.StateSampling))
	trig.Fire(2)
	select {
	case c := <-calls:
		assert.Equal(t, call{1, []uint16{6, 7}, true}, c)
	case <-time.After(time.Second):
		require.Fail(t, "missing callback")
	}
	require.True(t, waitState(t, e, adcbuf.StateSampling))

	// flag is cleared once reported
	trig.Fire(2)
	select {
	case c := <-calls:
		assert.Equal(t, call{0, []uint16{8, 9}, false}, c)
	case <-time.After(time.Second):
		require.Fail(t, "missing callback")
	}
	require.True(t, waitState(t, e, adcbuf.StateSampling))
	require.Nil(t, e.ConvertCancel())
	assert.Equal(t, adcbuf.Stats{Buffers: 3, Overruns: 2}, e.Stats())
}

func TestContinuousBlocking(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithWaveform(0, sim.Ramp(1, 1000)))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.RecurrenceMode = adcbuf.Continuous
	p.Timeout = time.Second
	require.Nil(t, e.Open(p))
	defer e.Close()

	_, err := e.Next(context.Background())
	assert.Equal(t, adcbuf.ErrNotRunning, err)
	assert.Equal(t, adcbuf.ErrNotRunning, e.Release())

	convs := single(0, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if waitArmed(t, trig) {
			trig.Fire(3)
		}
	}()
	res, err := e.Convert(context.Background(), convs)
	<-done
	require.Nil(t, err)
	assert.Equal(t, adcbuf.Result{Index: 0, Buffers: [][]uint16{{0, 1, 2}}}, res)
	assert.Equal(t, adcbuf.StateSampling, e.State())

	require.Nil(t, e.Release())
	trig.Fire(3)
	res, err = e.Next(context.Background())
	require.Nil(t, err)
	assert.Equal(t, adcbuf.Result{Index: 1, Buffers: [][]uint16{{3, 4, 5}}}, res)

	// holding buffer 1 forces buffer 0 to be refilled
	trig.Fire(3)
	assert.Equal(t, uint64(1), e.Stats().Overruns)
	require.Nil(t, e.Release())
	trig.Fire(3)
	res, err = e.Next(context.Background())
	require.Nil(t, err)
	assert.Equal(t, adcbuf.Result{Index: 0, Buffers: [][]uint16{{9, 10, 11}}, Overrun: true}, res)
	assert.Equal(t, []uint16{9, 10, 11}, convs[0].Buffer)

	require.Nil(t, e.ConvertCancel())
	_, err = e.Next(context.Background())
	assert.Equal(t, adcbuf.ErrNotRunning, err)
	assert.Equal(t, adcbuf.StateIdle, e.State())
}

func TestContinuousBlockingNextWaits(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, sim.New())
	p := adcbuf.DefaultParams()
	p.RecurrenceMode = adcbuf.Continuous
	require.Nil(t, e.Open(p))
	defer e.Close()

	go func() {
		if waitArmed(t, trig) {
			trig.Fire(2)
		}
	}()
	_, err := e.Convert(context.Background(), single(0, 2))
	require.Nil(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := e.Next(context.Background())
		errs <- err
	}()
	select {
	case err := <-errs:
		require.Fail(t, "Next returned early", err)
	case <-time.After(10 * time.Millisecond):
	}
	require.Nil(t, e.ConvertCancel())
	select {
	case err := <-errs:
		assert.Equal(t, adcbuf.ErrCancelled, err)
	case <-time.After(time.Second):
		require.Fail(t, "Next not cancelled")
	}
}

func TestCancelBlocking(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, sim.New(), adcbuf.WithLogger(zaptest.NewLogger(t)))
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if waitArmed(t, trig) {
			trig.Fire(3)
			assert.Equal(t, adcbuf.StateSampling, e.State())
			assert.Nil(t, e.ConvertCancel())
		}
	}()
	_, err := e.Convert(context.Background(), single(0, 10))
	<-done
	assert.Equal(t, adcbuf.ErrCancelled, err)
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.Equal(t, 0, trig.Fire(1))
	assert.Equal(t, adcbuf.ErrNotRunning, e.ConvertCancel())

	// recovers
	go func() {
		if waitArmed(t, trig) {
			trig.Fire(2)
		}
	}()
	res, err := e.Convert(context.Background(), single(0, 2))
	require.Nil(t, err)
	assert.Len(t, res.Buffers[0], 2)
}

func TestCancelContext(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, sim.New())
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if waitArmed(t, trig) {
			trig.Fire(1)
			cancel()
		}
	}()
	_, err := e.Convert(ctx, single(0, 10))
	assert.ErrorIs(t, err, adcbuf.ErrCancelled)
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.False(t, trig.armed())
}

func TestHardwareFaultBlocking(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithWaveform(0, sim.Constant(3)), sim.WithFaultAfter(3))
	e := adcbuf.New(trig, src)
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if waitArmed(t, trig) {
			assert.Equal(t, 4, trig.Fire(10))
		}
	}()
	_, err := e.Convert(context.Background(), single(0, 10))
	<-done
	assert.ErrorIs(t, err, adcbuf.ErrHardwareFault)
	assert.True(t, errors.Is(err, sim.ErrFault))
	assert.Equal(t, adcbuf.StateIdle, e.State())

	// recovers
	go func() {
		if waitArmed(t, trig) {
			trig.Fire(2)
		}
	}()
	res, err := e.Convert(context.Background(), single(0, 2))
	require.Nil(t, err)
	assert.Equal(t, []uint16{3, 3}, res.Buffers[0])
}

func TestHardwareFaultCallback(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithFaultAfter(5))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.ReturnMode = adcbuf.ReturnCallback
	p.RecurrenceMode = adcbuf.Continuous
	p.Callback = func(*adcbuf.Engine, *adcbuf.Conversion, adcbuf.Filled, bool) {}
	errs := make(chan error, 2)
	p.ErrorCallback = func(e *adcbuf.Engine, err error) {
		errs <- err
	}
	require.Nil(t, e.Open(p))
	defer e.Close()

	_, err := e.Convert(context.Background(), single(0, 4))
	require.Nil(t, err)
	assert.Equal(t, 6, trig.Fire(10))
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, adcbuf.ErrHardwareFault)
		assert.ErrorIs(t, err, sim.ErrFault)
	case <-time.After(time.Second):
		require.Fail(t, "missing error callback")
	}
	assert.True(t, waitState(t, e, adcbuf.StateIdle))
	assert.Equal(t, adcbuf.ErrNotRunning, e.ConvertCancel())
	assert.Empty(t, errs)
}

func TestHardwareFaultContinuousBlocking(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithWaveform(0, sim.Ramp(1, 100)), sim.WithFaultAfter(4))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.RecurrenceMode = adcbuf.Continuous
	require.Nil(t, e.Open(p))

	go func() {
		if waitArmed(t, trig) {
			trig.Fire(2)
		}
	}()
	res, err := e.Convert(context.Background(), single(0, 2))
	require.Nil(t, err)
	assert.Equal(t, []uint16{0, 1}, res.Buffers[0])

	// faults with no Next waiting
	assert.Equal(t, 3, trig.Fire(3))
	err = e.ConvertCancel()
	assert.ErrorIs(t, err, adcbuf.ErrHardwareFault)
	assert.ErrorIs(t, err, sim.ErrFault)
	assert.True(t, waitState(t, e, adcbuf.StateIdle))
	assert.False(t, trig.armed())

	// reported once
	assert.Equal(t, adcbuf.ErrNotRunning, e.ConvertCancel())
	_, err = e.Next(context.Background())
	assert.Equal(t, adcbuf.ErrNotRunning, err)
	require.Nil(t, e.Close())
}

func TestHardwareFaultContinuousNext(t *testing.T) {
	trig := &manualTrigger{}
	src := sim.New(sim.WithFaultAfter(4))
	e := adcbuf.New(trig, src)
	p := adcbuf.DefaultParams()
	p.RecurrenceMode = adcbuf.Continuous
	require.Nil(t, e.Open(p))
	defer e.Close()

	go func() {
		if waitArmed(t, trig) {
			trig.Fire(2)
		}
	}()
	_, err := e.Convert(context.Background(), single(0, 2))
	require.Nil(t, err)

	assert.Equal(t, 3, trig.Fire(3))
	assert.True(t, waitState(t, e, adcbuf.StateIdle))
	_, err = e.Next(context.Background())
	assert.ErrorIs(t, err, adcbuf.ErrHardwareFault)
	assert.ErrorIs(t, err, sim.ErrFault)
	_, err = e.Next(context.Background())
	assert.Equal(t, adcbuf.ErrNotRunning, err)
	assert.Equal(t, adcbuf.ErrNotRunning, e.ConvertCancel())
}

func TestContinuousMissedTicks(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, sim.New())
	p := adcbuf.DefaultParams()
	p.RecurrenceMode = adcbuf.Continuous
	require.Nil(t, e.Open(p))
	defer e.Close()

	go func() {
		if waitArmed(t, trig) {
			trig.Fire(3)
		}
	}()
	res, err := e.Convert(context.Background(), single(0, 3))
	require.Nil(t, err)
	assert.False(t, res.Overrun)

	require.Nil(t, e.Release())
	assert.True(t, trig.FireLate(2))
	trig.Fire(2)
	res, err = e.Next(context.Background())
	require.Nil(t, err)
	assert.Equal(t, 1, res.Index)
	assert.True(t, res.Overrun)
	assert.Equal(t, uint64(1), e.Stats().Overruns)

	require.Nil(t, e.Release())
	trig.Fire(3)
	res, err = e.Next(context.Background())
	require.Nil(t, err)
	assert.False(t, res.Overrun)
	require.Nil(t, e.ConvertCancel())
}

func TestOneShotMissedTicks(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, sim.New())
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	go func() {
		if waitArmed(t, trig) {
			trig.Fire(1)
			trig.FireLate(1)
			trig.Fire(1)
		}
	}()
	res, err := e.Convert(context.Background(), single(0, 3))
	require.Nil(t, err)
	assert.True(t, res.Overrun)
	assert.Equal(t, uint64(1), e.Stats().Overruns)
}

type failingTransfer struct {
	sim.Source
}

var errSetup = errors.New("setup failed")

func (f *failingTransfer) Setup([]adcbuf.Channel, adcbuf.SamplingDuration) error {
	return errSetup
}

func TestConvertSetupFault(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, &failingTransfer{})
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	_, err := e.Convert(context.Background(), single(0, 2))
	assert.ErrorIs(t, err, adcbuf.ErrHardwareFault)
	assert.ErrorIs(t, err, errSetup)
	assert.Equal(t, adcbuf.StateIdle, e.State())
	assert.Equal(t, 0, trig.arms)
}

func TestConvertArmFault(t *testing.T) {
	errArm := errors.New("no timer")
	trig := &manualTrigger{armErr: errArm}
	e := adcbuf.New(trig, sim.New())
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	_, err := e.Convert(context.Background(), single(0, 2))
	assert.ErrorIs(t, err, adcbuf.ErrHardwareFault)
	assert.ErrorIs(t, err, errArm)
	assert.Equal(t, adcbuf.StateIdle, e.State())

	trig.armErr = errors.Wrap(adcbuf.ErrInvalidArgument, "rate")
	_, err = e.Convert(context.Background(), single(0, 2))
	assert.ErrorIs(t, err, adcbuf.ErrInvalidArgument)
	assert.False(t, errors.Is(err, adcbuf.ErrHardwareFault))
	assert.Equal(t, adcbuf.StateIdle, e.State())
}

func TestConvertTriggerInUse(t *testing.T) {
	trig := &manualTrigger{}
	ticks := 0
	require.Nil(t, trig.Arm(1000, func(uint64) bool {
		ticks++
		return true
	}))
	e := adcbuf.New(trig, sim.New())
	require.Nil(t, e.Open(adcbuf.DefaultParams()))
	defer e.Close()

	_, err := e.Convert(context.Background(), single(0, 2))
	assert.ErrorIs(t, err, adcbuf.ErrHardwareFault)
	assert.ErrorIs(t, err, adcbuf.ErrArmed)
	assert.Equal(t, adcbuf.StateIdle, e.State())

	// the other owner keeps its trigger
	assert.True(t, trig.armed())
	assert.Equal(t, 1, trig.Fire(1))
	assert.Equal(t, 1, ticks)
}

func TestAdjustRawValuesBusy(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, sim.New(sim.WithWaveform(0, sim.Constant(10))))
	p := adcbuf.DefaultParams()
	p.ReturnMode = adcbuf.ReturnCallback
	p.RecurrenceMode = adcbuf.Continuous
	p.Callback = func(*adcbuf.Engine, *adcbuf.Conversion, adcbuf.Filled, bool) {}
	require.Nil(t, e.Open(p))
	defer e.Close()

	convs := single(0, 4)
	_, err := e.Convert(context.Background(), convs)
	require.Nil(t, err)
	trig.Fire(1)

	_, err = e.AdjustRawValues(convs[0].Buffer, adcbuf.Identity)
	assert.Equal(t, adcbuf.ErrResourceBusy, err)
	err = e.AdjustRawValuesInPlace(convs[0].Buffer[1:3], adcbuf.Identity)
	assert.Equal(t, adcbuf.ErrResourceBusy, err)
	adj, err := e.AdjustRawValues(convs[0].BufferTwo, adcbuf.Calibration{Gain: 1, Offset: 5})
	assert.Nil(t, err)
	assert.Equal(t, []uint16{5, 5, 5, 5}, adj)

	require.Nil(t, e.ConvertCancel())
	adj, err = e.AdjustRawValues(convs[0].Buffer, adcbuf.Identity)
	assert.Nil(t, err)
	assert.Equal(t, []uint16{10, 0, 0, 0}, adj)
}

func TestAdjustRawValuesHeld(t *testing.T) {
	trig := &manualTrigger{}
	e := adcbuf.New(trig, sim.New(sim.WithWaveform(0, sim.Constant(10))))
	p := adcbuf.DefaultParams()
	p.RecurrenceMode = adcbuf.Continuous
	require.Nil(t, e.Open(p))
	defer e.Close()

	convs := single(0, 2)
	go func() {
		if waitArmed(t, trig) {
			trig.Fire(2)
		}
	}()
	res, err := e.Convert(context.Background(), convs)
	require.Nil(t, err)
	trig.Fire(1)

	// the held buffer may be adjusted while the other fills
	require.Nil(t, e.AdjustRawValuesInPlace(res.Buffers[0], adcbuf.Calibration{Gain: 2}))
	assert.Equal(t, []uint16{20, 20}, convs[0].Buffer)
	_, err = e.AdjustRawValues(convs[0].BufferTwo, adcbuf.Identity)
	assert.Equal(t, adcbuf.ErrResourceBusy, err)
	require.Nil(t, e.ConvertCancel())
}

func TestCalibration(t *testing.T) {
	e := adcbuf.New(&manualTrigger{}, sim.New())
	p := adcbuf.DefaultParams()
	cals := map[int]adcbuf.Calibration{1: {Gain: 1.5, Offset: -2}}
	p.Calibrations = cals
	require.Nil(t, e.Open(p))
	defer e.Close()

	// copied on Open
	cals[1] = adcbuf.Identity
	assert.Equal(t, adcbuf.Calibration{Gain: 1.5, Offset: -2}, e.Calibration(1))
	assert.Equal(t, adcbuf.Identity, e.Calibration(0))
}
