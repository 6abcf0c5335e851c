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

package processor

import (
	"errors"
	"fmt"
	"time"

	"github.com/grpcoin/quotegate/realtimequote/gate"
)

// DeniedPolicy decides what happens to a symbol denied by a gate.
type DeniedPolicy int

const (
	// DropDenied considers a denied symbol consumed; the next ingest for it
	// queues it again.
	DropDenied DeniedPolicy = iota
	// RequeueDenied queues a denied symbol again once the gate that denied it
	// would approve it.
	RequeueDenied
)

func (p DeniedPolicy) String() string {
	switch p {
	case DropDenied:
		return "drop"
	case RequeueDenied:
		return "requeue"
	default:
		return fmt.Sprintf("DeniedPolicy(%d)", int(p))
	}
}

const DefaultDequeueTimeout = time.Second

type TimeProvider func() time.Time

type Config struct {
	// ThrottlePerSecond is the global number of publishes allowed per
	// throttle window.
	ThrottlePerSecond int
	ThrottleWindow    time.Duration
	// CoalesceWindow is the minimum spacing between publishes of a symbol.
	CoalesceWindow time.Duration
	// DequeueTimeout bounds how long the dispatcher waits for work before
	// checking whether it was stopped.
	DequeueTimeout time.Duration
	DeniedPolicy   DeniedPolicy

	Now TimeProvider
}

func (c *Config) applyDefaults() {
	if c.ThrottlePerSecond == 0 {
		c.ThrottlePerSecond = gate.DefaultThrottleLimit
	}
	if c.ThrottleWindow == 0 {
		c.ThrottleWindow = gate.DefaultThrottleWindow
	}
	if c.CoalesceWindow == 0 {
		c.CoalesceWindow = gate.DefaultCoalesceWindow
	}
	if c.DequeueTimeout == 0 {
		c.DequeueTimeout = DefaultDequeueTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate checks the configuration after defaults are applied.
func (c *Config) Validate() error {
	if c.ThrottlePerSecond < 1 {
		return errors.New("throttle per second must be >= 1")
	}
	if c.ThrottleWindow < 0 {
		return errors.New("throttle window must not be negative")
	}
	if c.CoalesceWindow < 0 {
		return errors.New("coalesce window must not be negative")
	}
	if c.DequeueTimeout < 0 {
		return errors.New("dequeue timeout must not be negative")
	}
	if c.DeniedPolicy != DropDenied && c.DeniedPolicy != RequeueDenied {
		return fmt.Errorf("unknown denied policy %v", c.DeniedPolicy)
	}
	return nil
}
