// Copyright 2021 Ahmet Alp Balkan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gate implements the publish-time decisions for quotes: per-symbol
// coalescing and a global throttle. Neither type is safe for concurrent use;
// both are meant to be owned by a single dispatching goroutine.
package gate

import (
	"time"
)

const (
	DefaultCoalesceWindow = time.Second
	DefaultThrottleWindow = time.Second
	DefaultThrottleLimit  = 100
)

// Coalescer allows at most one approval per symbol per window, where the
// window is anchored at the symbol's last approval.
type Coalescer struct {
	window time.Duration
	last   map[string]time.Time
}

func NewCoalescer(window time.Duration) *Coalescer {
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Coalescer{window: window, last: make(map[string]time.Time)}
}

// ShouldPublish approves symbol if it was never approved, or if strictly more
// than the window has elapsed since its last approval. Only approvals are
// recorded.
func (c *Coalescer) ShouldPublish(symbol string, now time.Time) bool {
	last, ok := c.last[symbol]
	if ok && now.Sub(last) <= c.window {
		return false
	}
	c.last[symbol] = now
	return true
}

// NextEligible returns the earliest instant at which symbol would be approved.
// The zero time means it is eligible now.
func (c *Coalescer) NextEligible(symbol string) time.Time {
	last, ok := c.last[symbol]
	if !ok {
		return time.Time{}
	}
	return last.Add(c.window + 1)
}

// Throttle caps approvals to limit per window. The window opens at the first
// approval and is replaced by a new one on the first call after it has
// elapsed; it is not re-anchored on every approval.
type Throttle struct {
	limit     int
	window    time.Duration
	start     time.Time
	open      bool
	remaining int
}

func NewThrottle(limit int, window time.Duration) *Throttle {
	if limit <= 0 {
		limit = DefaultThrottleLimit
	}
	if window <= 0 {
		window = DefaultThrottleWindow
	}
	return &Throttle{limit: limit, window: window}
}

// Acquire takes one approval from the current window. A call after the window
// has elapsed always succeeds and starts a new window, whatever was left of
// the old budget.
func (t *Throttle) Acquire(now time.Time) bool {
	if !t.open || now.Sub(t.start) > t.window {
		t.open = true
		t.start = now
		t.remaining = t.limit - 1
		return true
	}
	if t.remaining > 0 {
		t.remaining--
		return true
	}
	return false
}

// Remaining returns the approvals left in the current window.
func (t *Throttle) Remaining() int {
	if !t.open {
		return t.limit
	}
	return t.remaining
}

// WindowEnd returns the first instant at which Acquire resets the window.
// The zero time means no window is open.
func (t *Throttle) WindowEnd() time.Time {
	if !t.open {
		return time.Time{}
	}
	return t.start.Add(t.window + 1)
}
