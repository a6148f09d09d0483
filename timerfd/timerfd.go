// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

//go:build linux
// +build linux

// Package timerfd provides an adcbuf.Trigger paced by a Linux timerfd.
//
// The timer runs on CLOCK_MONOTONIC and ticks are delivered from a
// dedicated goroutine blocked in epoll, so the rate is not affected by the
// Go scheduler's timer resolution. Timer expirations that occur while a tick
// is still in progress are coalesced by the kernel, counted as missed, and
// passed to the next tick.
package timerfd

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/warthog618/adcbuf"
)

// Trigger is an adcbuf.Trigger driven by a timerfd.
type Trigger struct {
	mu sync.Mutex // Guards the following.
	// timer, stop event and epoll fds while armed.
	tfd  int
	efd  int
	epfd int
	done chan struct{}

	ticks  atomic.Uint64
	missed atomic.Uint64
}

// New creates a disarmed Trigger.
func New() *Trigger {
	return &Trigger{tfd: -1, efd: -1, epfd: -1}
}

// Arm starts the timer at hz.
func (t *Trigger) Arm(hz uint32, tick func(missed uint64) bool) error {
	if hz == 0 {
		return errors.Wrap(adcbuf.ErrInvalidArgument, "zero trigger frequency")
	}
	period := time.Second / time.Duration(hz)
	if period <= 0 {
		return errors.Wrapf(adcbuf.ErrInvalidArgument, "trigger frequency %d too high", hz)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return adcbuf.ErrArmed
	}
	if err := t.open(); err != nil {
		t.close()
		return err
	}
	ts := unix.NsecToTimespec(int64(period))
	spec := unix.ItimerSpec{Interval: ts, Value: ts}
	if err := unix.TimerfdSettime(t.tfd, 0, &spec, nil); err != nil {
		t.close()
		return errors.Wrap(err, "timerfd_settime")
	}
	t.done = make(chan struct{})
	go t.run(t.tfd, t.efd, t.epfd, tick, t.done)
	return nil
}

func (t *Trigger) open() (err error) {
	if t.tfd, err = unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK); err != nil {
		t.tfd = -1
		return errors.Wrap(err, "timerfd_create")
	}
	if t.efd, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		t.efd = -1
		return errors.Wrap(err, "eventfd")
	}
	if t.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		t.epfd = -1
		return errors.Wrap(err, "epoll_create")
	}
	for _, fd := range []int{t.tfd, t.efd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err = unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return errors.Wrap(err, "epoll_ctl")
		}
	}
	return nil
}

func (t *Trigger) close() error {
	var err error
	for _, fd := range []*int{&t.epfd, &t.efd, &t.tfd} {
		if *fd >= 0 {
			err = multierr.Append(err, unix.Close(*fd))
			*fd = -1
		}
	}
	return err
}

func (t *Trigger) run(tfd, efd, epfd int, tick func(missed uint64) bool, done chan struct{}) {
	defer close(done)
	var events [2]unix.EpollEvent
	var buf [8]byte
	for {
		n, err := unix.EpollWait(epfd, events[:], -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}
		for _, ev := range events[:n] {
			if int(ev.Fd) == efd {
				// stop wins over a pending expiry
				return
			}
		}
		if _, err := unix.Read(tfd, buf[:]); err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return
		}
		var missed uint64
		if exp := binary.NativeEndian.Uint64(buf[:]); exp > 1 {
			missed = exp - 1
			t.missed.Add(missed)
		}
		t.ticks.Inc()
		if !tick(missed) {
			return
		}
	}
}

// Disarm stops the timer and waits for any tick in progress.
func (t *Trigger) Disarm() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done == nil {
		return nil
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(t.efd, one[:]); err != nil {
		return errors.Wrap(err, "signal stop")
	}
	<-t.done
	t.done = nil
	return t.close()
}

// Ticks returns the number of ticks delivered since the Trigger was created.
func (t *Trigger) Ticks() uint64 {
	return t.ticks.Load()
}

// Missed returns the number of timer expirations that were coalesced as a
// tick ran late.
func (t *Trigger) Missed() uint64 {
	return t.missed.Load()
}
