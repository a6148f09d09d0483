// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"go.uber.org/atomic"
)

// slotTag records which side currently owns a buffer slot.
//
// The producer moves a slot Free->Filling->Ready, the consumer moves it
// Ready->Draining->Free. Each transition is a compare and swap so a
// transition from the wrong owner fails rather than racing.
type slotTag uint32

const (
	slotFree slotTag = iota
	slotFilling
	slotReady
	slotDraining
)

type slot struct {
	samples []uint16
	tag     atomic.Uint32
}

func (s *slot) is(t slotTag) bool {
	return slotTag(s.tag.Load()) == t
}

func (s *slot) move(from, to slotTag) bool {
	return s.tag.CompareAndSwap(uint32(from), uint32(to))
}

type bufferPair struct {
	slots [2]slot
}

// bufferSet is the ping-pong buffer manager for a campaign.
//
// active is only read and written by the producer. Consumers are told which
// index to read when a buffer is handed over and never read active directly.
type bufferSet struct {
	pairs  []bufferPair
	active int
	count  int
}

// reset prepares the buffers of a new campaign, with the first buffer of
// each pair filling.
func (b *bufferSet) reset(convs []Conversion, count int) {
	b.pairs = make([]bufferPair, len(convs))
	b.active = 0
	b.count = count
	for i := range convs {
		p := &b.pairs[i]
		p.slots[0].samples = convs[i].Buffer[:count]
		p.slots[0].tag.Store(uint32(slotFilling))
		if len(convs[i].BufferTwo) >= count {
			p.slots[1].samples = convs[i].BufferTwo[:count]
		}
		p.slots[1].tag.Store(uint32(slotFree))
	}
}

// activeBuffer returns the buffer currently being filled for conversion i.
func (b *bufferSet) activeBuffer(i int) []uint16 {
	return b.pairs[i].slots[b.active].samples
}

// deposit writes a sample into the filling buffer of conversion i.
func (b *bufferSet) deposit(i, pos int, v uint16) bool {
	s := &b.pairs[i].slots[b.active]
	if !s.is(slotFilling) {
		return false
	}
	s.samples[pos] = v
	return true
}

// canSwap reports whether every spare buffer has been released by the
// consumer and so may be filled next.
func (b *bufferSet) canSwap() bool {
	other := b.active ^ 1
	for i := range b.pairs {
		if !b.pairs[i].slots[other].is(slotFree) {
			return false
		}
	}
	return true
}

// swap hands the filled buffers to the consumer and starts filling the
// spares. It returns the index of the buffers handed over.
// It is the only place active changes.
func (b *bufferSet) swap() int {
	ready := b.complete()
	b.active = ready ^ 1
	for i := range b.pairs {
		b.pairs[i].slots[b.active].move(slotFree, slotFilling)
	}
	return ready
}

// complete marks the filling buffers ready without starting on the spares.
func (b *bufferSet) complete() int {
	for i := range b.pairs {
		b.pairs[i].slots[b.active].move(slotFilling, slotReady)
	}
	return b.active
}

// take claims the ready buffers at idx for the consumer.
func (b *bufferSet) take(idx int) {
	for i := range b.pairs {
		b.pairs[i].slots[idx].move(slotReady, slotDraining)
	}
}

// release returns consumed buffers at idx to the producer.
func (b *bufferSet) release(idx int) {
	for i := range b.pairs {
		b.pairs[i].slots[idx].move(slotDraining, slotFree)
	}
}

// drop returns ready buffers at idx to the producer without consuming them.
func (b *bufferSet) drop(idx int) {
	for i := range b.pairs {
		b.pairs[i].slots[idx].move(slotReady, slotFree)
	}
}

// filled returns the buffers at idx, which the caller must have taken.
func (b *bufferSet) filled(idx int) [][]uint16 {
	bufs := make([][]uint16, len(b.pairs))
	for i := range b.pairs {
		bufs[i] = b.pairs[i].slots[idx].samples
	}
	return bufs
}

// filling reports whether buf shares memory with a buffer being filled.
func (b *bufferSet) filling(buf []uint16) bool {
	for i := range b.pairs {
		for j := range b.pairs[i].slots {
			s := &b.pairs[i].slots[j]
			if s.is(slotFilling) && overlaps(s.samples, buf) {
				return true
			}
		}
	}
	return false
}
