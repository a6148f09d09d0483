// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

// event reports a filled buffer set, or the failure of the campaign, from
// the producer to the consumer.
type event struct {
	index   int
	overrun bool
	err     error
}

// eventDepth covers the one buffer set the producer may have handed over
// but not yet had released, plus a terminating fault.
const eventDepth = 2

// handoff is a counting signal from trigger context to a consumer.
//
// Signalling never blocks. The consumer waits by receiving on ch.
type handoff struct {
	ch chan event
}

func newHandoff() *handoff {
	return &handoff{ch: make(chan event, eventDepth)}
}

// signal posts the event, returning false if the consumer has fallen so far
// behind that the event cannot be queued.
func (h *handoff) signal(ev event) bool {
	select {
	case h.ch <- ev:
		return true
	default:
		return false
	}
}
