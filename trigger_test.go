// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf_test

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/warthog618/adcbuf"
)

func TestClockTriggerArmInvalid(t *testing.T) {
	trig := adcbuf.NewClockTrigger(clock.NewMock())
	err := trig.Arm(0, func(uint64) bool { return true })
	assert.ErrorIs(t, err, adcbuf.ErrInvalidArgument)
	err = trig.Arm(2000000000, func(uint64) bool { return true })
	assert.ErrorIs(t, err, adcbuf.ErrInvalidArgument)
	// never armed
	assert.Nil(t, trig.Disarm())
}

func TestClockTriggerMock(t *testing.T) {
	mock := clock.NewMock()
	trig := adcbuf.NewClockTrigger(mock)
	ticks := make(chan int32, 10)
	var n atomic.Int32
	require.Nil(t, trig.Arm(1000, func(uint64) bool {
		v := n.Inc()
		ticks <- v
		return v < 3
	}))
	err := trig.Arm(1000, func(uint64) bool { return true })
	assert.Equal(t, adcbuf.ErrArmed, err)

	for i := int32(1); i <= 3; i++ {
		mock.Add(time.Millisecond)
		select {
		case v := <-ticks:
			assert.Equal(t, i, v)
		case <-time.After(time.Second):
			require.Fail(t, "missing tick", i)
		}
	}
	// tick returned false
	mock.Add(time.Millisecond)
	select {
	case v := <-ticks:
		assert.Fail(t, "spurious tick", v)
	case <-time.After(10 * time.Millisecond):
	}
	assert.Nil(t, trig.Disarm())
	assert.Nil(t, trig.Disarm())

	// rearm
	require.Nil(t, trig.Arm(100, func(uint64) bool {
		ticks <- 0
		return true
	}))
	mock.Add(10 * time.Millisecond)
	select {
	case v := <-ticks:
		assert.Equal(t, int32(0), v)
	case <-time.After(time.Second):
		require.Fail(t, "missing tick after rearm")
	}
	assert.Nil(t, trig.Disarm())
}

func TestClockTriggerMissed(t *testing.T) {
	mock := clock.NewMock()
	trig := adcbuf.NewClockTrigger(mock)
	missed := make(chan uint64, 10)
	release := make(chan struct{})
	var n atomic.Int32
	require.Nil(t, trig.Arm(1000, func(m uint64) bool {
		missed <- m
		if n.Inc() == 1 {
			<-release
		}
		return true
	}))
	next := func() uint64 {
		select {
		case m := <-missed:
			return m
		case <-time.After(time.Second):
			require.Fail(t, "missing tick")
		}
		return 0
	}
	mock.Add(time.Millisecond)
	assert.Equal(t, uint64(0), next())

	// the first tick is still running, so the ticker holds one tick and
	// drops the next two
	for i := 0; i < 3; i++ {
		mock.Add(time.Millisecond)
	}
	close(release)
	assert.Equal(t, uint64(0), next())
	mock.Add(time.Millisecond)
	assert.Equal(t, uint64(2), next())
	assert.Nil(t, trig.Disarm())
}

func TestClockTriggerDisarm(t *testing.T) {
	trig := adcbuf.NewClockTrigger(nil)
	var n atomic.Int32
	require.Nil(t, trig.Arm(1000, func(uint64) bool {
		n.Inc()
		return true
	}))
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	require.Nil(t, trig.Disarm())
	stopped := n.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())
}
