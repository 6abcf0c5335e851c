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

// Package processor republishes the latest quote of each symbol at a bounded
// rate. Ingest never waits on publishing: it records the quote and queues the
// symbol, and a single dispatcher goroutine decides when to publish.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/hako/durafmt"
	"go.uber.org/zap"

	"github.com/grpcoin/quotegate/realtimequote"
	"github.com/grpcoin/quotegate/realtimequote/gate"
	"github.com/grpcoin/quotegate/realtimequote/pending"
)

var (
	ErrAlreadyStarted = errors.New("processor already started")
	ErrStopped        = errors.New("processor stopped")
)

// Publisher delivers approved quotes downstream. Publish must return in
// bounded time; errors are logged and the quote is not retried.
type Publisher interface {
	Publish(ctx context.Context, q realtimequote.Quote) error
}

type PublisherFunc func(ctx context.Context, q realtimequote.Quote) error

func (f PublisherFunc) Publish(ctx context.Context, q realtimequote.Quote) error {
	return f(ctx, q)
}

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Processor struct {
	cfg Config
	log *zap.Logger
	pub Publisher
	id  string

	store *realtimequote.LatestStore
	queue *pending.Queue

	// owned by the dispatcher goroutine
	throttle  *gate.Throttle
	coalescer *gate.Coalescer

	run   atomic.Bool
	state atomic.Int32

	mu         sync.Mutex // guards lifecycle transitions
	startedAt  time.Time
	stopWaiter context.CancelFunc
	done       chan struct{}

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{} // pending requeues

	stats counters
}

// New returns a processor that does nothing until Start is called.
func New(cfg Config, log *zap.Logger, pub Publisher) (*Processor, error) {
	if pub == nil {
		return nil, errors.New("publisher is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	id := uuid.New().String()
	p := &Processor{
		cfg:       cfg,
		log:       log.With(zap.String("processor.id", id)),
		pub:       pub,
		id:        id,
		store:     realtimequote.NewLatestStore(),
		queue:     pending.NewQueue(),
		throttle:  gate.NewThrottle(cfg.ThrottlePerSecond, cfg.ThrottleWindow),
		coalescer: gate.NewCoalescer(cfg.CoalesceWindow),
		done:      make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
	}
	p.run.Store(true)
	return p, nil
}

// Ingest records q as the latest quote for its symbol and queues the symbol
// for publishing unless it is already queued. It returns an error wrapping
// realtimequote.ErrMalformedQuote for invalid quotes, without changing any
// state.
func (p *Processor) Ingest(q realtimequote.Quote) error {
	if err := q.Validate(); err != nil {
		return err
	}
	p.store.Put(q)
	p.stats.ingested.Add(1)
	if p.queue.OfferIfAbsent(q.Symbol) {
		p.log.Debug("queued", zap.String("symbol", q.Symbol), zap.Int64("id", q.ID))
	} else {
		p.stats.duplicates.Add(1)
		p.log.Debug("already queued", zap.String("symbol", q.Symbol), zap.Int64("id", q.ID))
	}
	return nil
}

// Start launches the dispatcher. Cancelling ctx has the same effect as Stop;
// in both cases a publish in progress runs to completion with ctx's values
// but not its cancellation. A processor can be started once.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch State(p.state.Load()) {
	case StateIdle:
	case StateRunning:
		return ErrAlreadyStarted
	default:
		return ErrStopped
	}
	takeCtx, cancel := context.WithCancel(context.Background())
	p.stopWaiter = cancel
	p.startedAt = time.Now()
	p.state.Store(int32(StateRunning))
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()
	go p.dispatch(context.WithoutCancel(ctx), takeCtx)
	p.log.Info("processor started",
		zap.Int("throttle", p.cfg.ThrottlePerSecond),
		zap.Duration("coalesce_window", p.cfg.CoalesceWindow),
		zap.Stringer("denied_policy", p.cfg.DeniedPolicy))
	return nil
}

// Stop signals the dispatcher to exit without waiting for it; use Wait for
// that. A publish in progress is not interrupted. Stop is idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.run.Load() {
		return
	}
	p.run.Store(false)
	switch State(p.state.Load()) {
	case StateIdle:
		p.state.Store(int32(StateStopped))
		close(p.done)
	case StateRunning:
		p.state.Store(int32(StateDraining))
		p.stopWaiter()
	}
	p.log.Info("stopping processor")
}

// Wait blocks until the dispatcher has exited. It returns immediately for a
// processor stopped before it was started.
func (p *Processor) Wait() {
	<-p.done
}

// Done is closed when the dispatcher has exited.
func (p *Processor) Done() <-chan struct{} {
	return p.done
}

func (p *Processor) State() State { return State(p.state.Load()) }

func (p *Processor) ID() string { return p.id }

// Latest returns the most recently ingested quote for symbol.
func (p *Processor) Latest(symbol string) (realtimequote.Quote, bool) {
	return p.store.Get(symbol)
}

// Snapshot returns the latest quote of every symbol seen.
func (p *Processor) Snapshot() []realtimequote.Quote {
	return p.store.Snapshot()
}

// Symbols returns the number of distinct symbols ingested.
func (p *Processor) Symbols() int {
	return p.store.Len()
}

// Pending returns the number of symbols waiting for a publish decision.
func (p *Processor) Pending() int {
	return p.queue.Len()
}

func (p *Processor) dispatch(ctx, takeCtx context.Context) {
	defer func() {
		p.stopRequeues()
		p.mu.Lock()
		p.state.Store(int32(StateStopped))
		p.mu.Unlock()
		close(p.done)
	}()
	for p.run.Load() {
		symbol, ok := p.queue.Take(takeCtx, p.cfg.DequeueTimeout)
		if !ok {
			continue
		}
		if !p.run.Load() {
			// stop observed while waiting; nothing more is published
			break
		}
		p.process(ctx, symbol)
	}
	s := p.Stats()
	p.log.Info("processor stopped",
		zap.String("published", humanize.Comma(s.Published)),
		zap.String("ingested", humanize.Comma(s.Ingested)),
		zap.Int("pending", p.queue.Len()),
		zap.String("uptime", durafmt.ParseShort(time.Since(p.startedAt)).String()))
}

func (p *Processor) process(ctx context.Context, symbol string) {
	p.stats.dequeued.Add(1)
	now := p.cfg.Now()
	if !p.throttle.Acquire(now) {
		p.stats.throttled.Add(1)
		p.log.Debug("throttled", zap.String("symbol", symbol))
		p.denied(symbol, p.throttle.WindowEnd(), now)
		return
	}
	if !p.coalescer.ShouldPublish(symbol, now) {
		p.stats.coalesced.Add(1)
		p.log.Debug("coalesced", zap.String("symbol", symbol),
			zap.Int("throttle_remaining", p.throttle.Remaining()))
		p.denied(symbol, p.coalescer.NextEligible(symbol), now)
		return
	}
	q, ok := p.store.Get(symbol)
	if !ok {
		p.log.Warn("queued symbol has no quote", zap.String("symbol", symbol))
		return
	}
	if err := p.publish(ctx, q); err != nil {
		p.stats.failed.Add(1)
		p.log.Warn("publish failed", zap.String("symbol", symbol), zap.Int64("id", q.ID), zap.Error(err))
		return
	}
	p.stats.published.Add(1)
	p.log.Debug("published", zap.String("symbol", symbol), zap.Int64("id", q.ID))
}

// publish shields the dispatcher from publisher panics.
func (p *Processor) publish(ctx context.Context, q realtimequote.Quote) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("publisher panic: %v", r)
		}
	}()
	return p.pub.Publish(ctx, q)
}

// denied applies the denied policy to symbol, which the gates would approve
// again at eligibleAt.
func (p *Processor) denied(symbol string, eligibleAt, now time.Time) {
	if p.cfg.DeniedPolicy != RequeueDenied {
		return
	}
	d := eligibleAt.Sub(now)
	if d < 0 {
		d = 0
	}
	p.stats.requeued.Add(1)
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		p.timerMu.Lock()
		delete(p.timers, t)
		p.timerMu.Unlock()
		if p.run.Load() {
			p.queue.OfferIfAbsent(symbol)
		}
	})
	p.timers[t] = struct{}{}
}

// stopRequeues cancels requeues that have not fired yet.
func (p *Processor) stopRequeues() {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	for t := range p.timers {
		t.Stop()
		delete(p.timers, t)
	}
}

func (p *Processor) pendingRequeues() int {
	p.timerMu.Lock()
	defer p.timerMu.Unlock()
	return len(p.timers)
}
