// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package adcbuf

import (
	"go.uber.org/atomic"
)

// Power inhibits low power modes while the engine is open.
type Power interface {
	AcquireConstraint()
	ReleaseConstraint()
}

// Constraint is a Power that counts outstanding constraints.
//
// The zero value is ready for use.
type Constraint struct {
	n atomic.Int32
}

// AcquireConstraint adds a constraint.
func (c *Constraint) AcquireConstraint() {
	c.n.Inc()
}

// ReleaseConstraint removes a constraint.
func (c *Constraint) ReleaseConstraint() {
	c.n.Dec()
}

// Count returns the number of outstanding constraints.
func (c *Constraint) Count() int {
	return int(c.n.Load())
}
