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
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/grpcoin/quotegate/realtimequote"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2021, 3, 21, 13, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Add(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	quotes []realtimequote.Quote
}

func (r *recorder) Publish(_ context.Context, q realtimequote.Quote) error {
	r.mu.Lock()
	r.quotes = append(r.quotes, q)
	r.mu.Unlock()
	return nil
}

func (r *recorder) published() []realtimequote.Quote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtimequote.Quote(nil), r.quotes...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// decided counts dequeued symbols whose handling has finished.
func decided(p *Processor) int64 {
	s := p.Stats()
	return s.Published + s.Throttled + s.Coalesced + s.Failed
}

func newTestProcessor(t *testing.T, cfg Config, pub Publisher) *Processor {
	t.Helper()
	if cfg.DequeueTimeout == 0 {
		cfg.DequeueTimeout = 50 * time.Millisecond
	}
	p, err := New(cfg, zap.NewNop(), pub)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		p.Stop()
		p.Wait()
	})
	return p
}

func start(t *testing.T, p *Processor) {
	t.Helper()
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestNew_invalidConfig(t *testing.T) {
	if _, err := New(Config{ThrottlePerSecond: -1}, nil, &recorder{}); err == nil {
		t.Fatal("expected error for negative throttle")
	}
	if _, err := New(Config{DeniedPolicy: DeniedPolicy(9)}, nil, &recorder{}); err == nil {
		t.Fatal("expected error for unknown policy")
	}
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("expected error for nil publisher")
	}
}

func TestIngest_malformed(t *testing.T) {
	p := newTestProcessor(t, Config{}, &recorder{})
	q := realtimequote.Quote{ID: 1, Bid: "1"}
	if err := p.Ingest(q); !errors.Is(err, realtimequote.ErrMalformedQuote) {
		t.Fatalf("Ingest(%#v) err=%v, expected ErrMalformedQuote", q, err)
	}
	if n := p.Symbols(); n != 0 {
		t.Fatalf("%d symbols stored after malformed ingest", n)
	}
	if n := p.Pending(); n != 0 {
		t.Fatalf("pending=%d after malformed ingest", n)
	}
	if s := p.Stats(); s.Ingested != 0 {
		t.Fatalf("ingested=%d, expected 0", s.Ingested)
	}
}

func TestIngest_opaquePrices(t *testing.T) {
	p := newTestProcessor(t, Config{}, &recorder{})
	for _, q := range []realtimequote.Quote{
		{Symbol: "AAPL", Bid: "N/A"},
		{Symbol: "MSFT", Last: "1,234.50"},
		{Symbol: "IBM", Ask: "--"},
	} {
		if err := p.Ingest(q); err != nil {
			t.Fatalf("Ingest(%#v) err=%v", q, err)
		}
		got, ok := p.Latest(q.Symbol)
		if !ok || got != q {
			t.Fatalf("Latest(%s)=%#v,%v expected %#v", q.Symbol, got, ok, q)
		}
	}
}

func TestScenarioA_latestWins(t *testing.T) {
	rec := &recorder{}
	p := newTestProcessor(t, Config{Now: newFakeClock().Now}, rec)

	if err := p.Ingest(realtimequote.Quote{Symbol: "AAPL", ID: 1}); err != nil {
		t.Fatal(err)
	}
	if err := p.Ingest(realtimequote.Quote{Symbol: "AAPL", ID: 2}); err != nil {
		t.Fatal(err)
	}
	if n := p.Pending(); n != 1 {
		t.Fatalf("pending=%d, expected a single entry for AAPL", n)
	}
	if d := p.Stats().Duplicates; d != 1 {
		t.Fatalf("duplicates=%d, expected 1", d)
	}

	start(t, p)
	waitFor(t, "publish", func() bool { return p.Stats().Published == 1 })
	got := rec.published()
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("published %#v, expected only id 2", got)
	}
}

func TestLatestWins_manyUpdates(t *testing.T) {
	rec := &recorder{}
	p := newTestProcessor(t, Config{Now: newFakeClock().Now}, rec)
	for i := 1; i <= 1000; i++ {
		if err := p.Ingest(realtimequote.Quote{Symbol: "IBM", ID: int64(i), Last: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	start(t, p)
	waitFor(t, "publish", func() bool { return p.Stats().Published == 1 })
	if got := rec.published(); got[0].ID != 1000 || got[0].Last != "1000" {
		t.Fatalf("published %#v, expected the last ingested quote", got[0])
	}
}

func TestScenarioB_throttle(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	p := newTestProcessor(t, Config{Now: clock.Now}, rec)

	for i := 0; i < 150; i++ {
		if err := p.Ingest(realtimequote.Quote{Symbol: fmt.Sprintf("SYM%03d", i), ID: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	start(t, p)
	waitFor(t, "150 decisions", func() bool { return decided(p) == 150 })

	s := p.Stats()
	if s.Published != 100 || s.Throttled != 50 {
		t.Fatalf("published=%d throttled=%d, expected 100/50", s.Published, s.Throttled)
	}
	published := make(map[string]bool)
	for _, q := range rec.published() {
		published[q.Symbol] = true
	}
	for i := 100; i < 150; i++ {
		if sym := fmt.Sprintf("SYM%03d", i); published[sym] {
			t.Fatalf("%s published, expected queue order to decide", sym)
		}
	}

	// denied symbols stay unpublished until ingested again after the window
	time.Sleep(100 * time.Millisecond)
	if n := p.Stats().Published; n != 100 {
		t.Fatalf("published=%d without new ingests", n)
	}
	clock.Add(1100 * time.Millisecond)
	if err := p.Ingest(realtimequote.Quote{Symbol: "SYM120", ID: 1000}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "re-ingested symbol to publish", func() bool { return p.Stats().Published == 101 })
}

func TestScenarioC_coalesceWindowElapsed(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	p := newTestProcessor(t, Config{Now: clock.Now}, rec)
	start(t, p)

	if err := p.Ingest(realtimequote.Quote{Symbol: "MSFT", ID: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first publish", func() bool { return p.Stats().Published == 1 })

	clock.Add(1500 * time.Millisecond)
	if err := p.Ingest(realtimequote.Quote{Symbol: "MSFT", ID: 2}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second publish", func() bool { return p.Stats().Published == 2 })
	if got := rec.published(); got[1].ID != 2 {
		t.Fatalf("second publish carried id %d", got[1].ID)
	}
}

func TestCoalesce_withinWindow(t *testing.T) {
	clock := newFakeClock()
	rec := &recorder{}
	p := newTestProcessor(t, Config{Now: clock.Now}, rec)
	start(t, p)

	if err := p.Ingest(realtimequote.Quote{Symbol: "MSFT", ID: 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "first publish", func() bool { return p.Stats().Published == 1 })

	clock.Add(500 * time.Millisecond)
	if err := p.Ingest(realtimequote.Quote{Symbol: "MSFT", ID: 2}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "coalesce", func() bool { return p.Stats().Coalesced == 1 })
	if n := p.Stats().Published; n != 1 {
		t.Fatalf("published=%d, expected second update to be coalesced", n)
	}
	if q, _ := p.Latest("MSFT"); q.ID != 2 {
		t.Fatalf("store has id %d, expected the coalesced update to be kept", q.ID)
	}
}

type blockingPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	recorder
}

func (b *blockingPublisher) Publish(ctx context.Context, q realtimequote.Quote) error {
	b.once.Do(func() {
		close(b.entered)
		<-b.release
	})
	return b.recorder.Publish(ctx, q)
}

func TestShutdown_withQueuedSymbols(t *testing.T) {
	pub := &blockingPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	p := newTestProcessor(t, Config{Now: newFakeClock().Now, DequeueTimeout: time.Second}, pub)

	for i := 0; i < 6; i++ {
		if err := p.Ingest(realtimequote.Quote{Symbol: fmt.Sprintf("S%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	start(t, p)
	<-pub.entered // first symbol is being published
	if n := p.Pending(); n != 5 {
		t.Fatalf("pending=%d, expected 5", n)
	}

	p.Stop()
	if s := p.State(); s != StateDraining {
		t.Fatalf("state=%v, expected draining while a publish is in flight", s)
	}
	close(pub.release)

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop within one dequeue timeout")
	}
	if s := p.State(); s != StateStopped {
		t.Fatalf("state=%v, expected stopped", s)
	}
	if got := pub.published(); len(got) != 1 || got[0].Symbol != "S0" {
		t.Fatalf("published %#v, expected only the in-flight S0", got)
	}
	if n := p.Pending(); n != 5 {
		t.Fatalf("pending=%d, expected queued symbols to be left alone", n)
	}
}

func TestStop_wakesIdleDispatcher(t *testing.T) {
	p := newTestProcessor(t, Config{DequeueTimeout: 10 * time.Second}, &recorder{})
	start(t, p)
	time.Sleep(10 * time.Millisecond)

	begin := time.Now()
	p.Stop()
	p.Wait()
	if d := time.Since(begin); d > 5*time.Second {
		t.Fatalf("stop took %v", d)
	}
}

func TestStart_contextCancelStops(t *testing.T) {
	p := newTestProcessor(t, Config{}, &recorder{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after ctx was cancelled")
	}
}

type ctxPublisher struct {
	entered chan struct{}
	release chan struct{}
	err     chan error
}

func (c *ctxPublisher) Publish(ctx context.Context, _ realtimequote.Quote) error {
	close(c.entered)
	<-c.release
	c.err <- ctx.Err()
	return nil
}

func TestStart_contextCancelDoesNotInterruptPublish(t *testing.T) {
	pub := &ctxPublisher{entered: make(chan struct{}), release: make(chan struct{}), err: make(chan error, 1)}
	p := newTestProcessor(t, Config{}, pub)
	ctx, cancel := context.WithCancel(context.Background())
	if err := p.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Ingest(realtimequote.Quote{Symbol: "AAPL"}); err != nil {
		t.Fatal(err)
	}
	<-pub.entered
	cancel()
	waitFor(t, "draining", func() bool { return p.State() == StateDraining })
	close(pub.release)
	if err := <-pub.err; err != nil {
		t.Fatalf("publish in progress saw ctx err %v", err)
	}
	p.Wait()
	if s := p.Stats(); s.Published != 1 {
		t.Fatalf("published=%d, expected 1", s.Published)
	}
}

func TestLifecycle(t *testing.T) {
	p := newTestProcessor(t, Config{}, &recorder{})
	if s := p.State(); s != StateIdle {
		t.Fatalf("state=%v after New, expected idle", s)
	}
	start(t, p)
	if err := p.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start err=%v", err)
	}
	p.Stop()
	p.Stop()
	p.Wait()
	if err := p.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop err=%v", err)
	}

	// ingest still updates the store after stop
	if err := p.Ingest(realtimequote.Quote{Symbol: "AAPL", ID: 3}); err != nil {
		t.Fatal(err)
	}
	if q, ok := p.Latest("AAPL"); !ok || q.ID != 3 {
		t.Fatalf("got %#v, %v", q, ok)
	}
}

func TestStopBeforeStart(t *testing.T) {
	p := newTestProcessor(t, Config{}, &recorder{})
	p.Stop()
	p.Wait()
	if s := p.State(); s != StateStopped {
		t.Fatalf("state=%v", s)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop err=%v", err)
	}
}

func TestPublishFailuresAreContained(t *testing.T) {
	rec := &recorder{}
	pub := PublisherFunc(func(ctx context.Context, q realtimequote.Quote) error {
		switch q.Symbol {
		case "BAD":
			return errors.New("sink unavailable")
		case "PANIC":
			panic("sink exploded")
		}
		return rec.Publish(ctx, q)
	})
	p := newTestProcessor(t, Config{Now: newFakeClock().Now}, pub)
	start(t, p)
	for _, s := range []string{"BAD", "PANIC", "GOOD"} {
		if err := p.Ingest(realtimequote.Quote{Symbol: s}); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, "3 decisions", func() bool { return decided(p) == 3 })
	s := p.Stats()
	if s.Failed != 2 || s.Published != 1 {
		t.Fatalf("failed=%d published=%d, expected 2/1", s.Failed, s.Published)
	}
	if st := p.State(); st != StateRunning {
		t.Fatalf("state=%v, expected dispatcher to keep running", st)
	}

	// failed symbols are not retried on their own
	time.Sleep(100 * time.Millisecond)
	if n := p.Stats().Dequeued; n != 3 {
		t.Fatalf("dequeued=%d, expected no retries", n)
	}
}

func TestIngest_doesNotBlockOnPublisher(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	pub := PublisherFunc(func(ctx context.Context, q realtimequote.Quote) error {
		<-block
		return nil
	})
	p := newTestProcessor(t, Config{}, pub)
	start(t, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 10000; i++ {
					_ = p.Ingest(realtimequote.Quote{Symbol: fmt.Sprintf("S%d", i%500), ID: int64(w*10000 + i)})
				}
			}(w)
		}
		wg.Wait()
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("ingest blocked behind a stuck publisher")
	}
	if n := p.Stats().Ingested; n != 40000 {
		t.Fatalf("ingested=%d", n)
	}
}

func TestDeniedPolicy(t *testing.T) {
	cfg := Config{
		ThrottlePerSecond: 1,
		ThrottleWindow:    50 * time.Millisecond,
		CoalesceWindow:    10 * time.Millisecond,
	}
	t.Run("drop", func(t *testing.T) {
		rec := &recorder{}
		p := newTestProcessor(t, cfg, rec)
		start(t, p)
		p.Ingest(realtimequote.Quote{Symbol: "A"})
		p.Ingest(realtimequote.Quote{Symbol: "B"})
		waitFor(t, "2 decisions", func() bool { return decided(p) == 2 })
		time.Sleep(200 * time.Millisecond)
		if s := p.Stats(); s.Published != 1 || s.Throttled != 1 || s.Requeued != 0 {
			t.Fatalf("unexpected stats %+v", s)
		}
	})
	t.Run("requeue", func(t *testing.T) {
		c := cfg
		c.DeniedPolicy = RequeueDenied
		rec := &recorder{}
		p := newTestProcessor(t, c, rec)
		start(t, p)
		p.Ingest(realtimequote.Quote{Symbol: "A"})
		p.Ingest(realtimequote.Quote{Symbol: "B", ID: 7})
		waitFor(t, "B to be requeued and published", func() bool { return p.Stats().Published == 2 })
		got := rec.published()
		if got[1].Symbol != "B" || got[1].ID != 7 {
			t.Fatalf("second publish %#v, expected B", got[1])
		}
		if s := p.Stats(); s.Requeued < 1 {
			t.Fatalf("unexpected stats %+v", s)
		}
	})
}

func TestDeniedPolicy_requeueStoppedWithDispatcher(t *testing.T) {
	p := newTestProcessor(t, Config{
		ThrottlePerSecond: 1,
		ThrottleWindow:    time.Hour,
		DeniedPolicy:      RequeueDenied,
	}, &recorder{})
	start(t, p)
	p.Ingest(realtimequote.Quote{Symbol: "A"})
	p.Ingest(realtimequote.Quote{Symbol: "B"})
	waitFor(t, "B to be scheduled for requeue", func() bool { return p.pendingRequeues() == 1 })
	p.Stop()
	p.Wait()
	if n := p.pendingRequeues(); n != 0 {
		t.Fatalf("pending requeues=%d after Wait, expected 0", n)
	}
}
