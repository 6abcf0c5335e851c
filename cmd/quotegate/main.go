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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/grpcoin/quotegate/processor"
	"github.com/grpcoin/quotegate/quotesink"
	"github.com/grpcoin/quotegate/realtimequote"
	"github.com/grpcoin/quotegate/realtimequote/binance"
	"github.com/grpcoin/quotegate/realtimequote/coinbase"
	"github.com/grpcoin/quotegate/realtimequote/jsonfeed"
	"github.com/grpcoin/quotegate/realtimequote/pubsub"
	"github.com/grpcoin/quotegate/serverutil"
)

var (
	flSource         string
	flProducts       string
	flThrottle       int
	flCoalesceWindow time.Duration
	flDequeueTimeout time.Duration
	flRequeueDenied  bool
	flReplayRate     float64
	flLogPublished   bool
)

func init() {
	flag.StringVar(&flSource, "source", "stdin", "where quotes come from: stdin (json lines), coinbase, binance or none (http ingest only)")
	flag.StringVar(&flProducts, "products", strings.Join(realtimequote.DefaultProducts, ","), "comma separated products to watch on exchange sources")
	flag.IntVar(&flThrottle, "throttle", 100, "max publishes per second across all symbols")
	flag.DurationVar(&flCoalesceWindow, "coalesce-window", time.Second, "min interval between publishes of the same symbol")
	flag.DurationVar(&flDequeueTimeout, "dequeue-timeout", processor.DefaultDequeueTimeout, "how long the dispatcher waits for work before checking for shutdown")
	flag.BoolVar(&flRequeueDenied, "requeue-denied", false, "retry throttled or coalesced symbols once eligible instead of waiting for the next update")
	flag.Float64Var(&flReplayRate, "replay-rate", 0, "max quotes per second read from stdin, 0 for unlimited")
	flag.BoolVar(&flLogPublished, "log-published", false, "log every published quote")
}

func main() {
	flag.Parse()
	ctx := context.Background()
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	onCloudRun := os.Getenv("K_SERVICE") != ""

	log, err := serverutil.GetLogging(onCloudRun)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	rc, closeRedis, err := serverutil.ConnectRedis(ctx, os.Getenv("REDIS_IP"))
	if err != nil {
		log.Fatal("failed to get redis instance", zap.Error(err))
	}
	defer closeRedis()

	redisPub := quotesink.NewRedisPublisher(rc, time.Now, serverutil.GetTracer("quotegate"))
	bus := pubsub.NewPubSub()
	defer bus.Close()
	sinks := []processor.Publisher{redisPub, bus}
	if flLogPublished {
		sinks = append(sinks, quotesink.Log(log.With(zap.String("facility", "published"))))
	}

	cfg := processor.Config{
		ThrottlePerSecond: flThrottle,
		CoalesceWindow:    flCoalesceWindow,
		DequeueTimeout:    flDequeueTimeout,
	}
	if flRequeueDenied {
		cfg.DeniedPolicy = processor.RequeueDenied
	}
	proc, err := processor.New(cfg, log.With(zap.String("facility", "processor")), quotesink.Tee(sinks...))
	if err != nil {
		log.Fatal("failed to create processor", zap.Error(err))
	}
	if err := proc.Start(ctx); err != nil {
		log.Fatal("failed to start processor", zap.Error(err))
	}

	srv := &server{log: log.With(zap.String("facility", "http")), proc: proc, bus: bus, published: redisPub}
	addr := net.JoinHostPort(os.Getenv("LISTEN_ADDR"), port)
	httpServer := &http.Server{Handler: srv.Handler(), Addr: addr}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := runSource(ctx, log.With(zap.String("facility", "feed")), flSource, proc)
		if err == nil && flSource == "stdin" {
			log.Debug("replay finished, shutting down")
			cancel()
		}
		return err
	})
	eg.Go(func() error {
		log.Debug("starting to listen", zap.String("addr", addr))
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			log.Debug("http server closed")
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Debug("shutdown signal received")
		proc.Stop()
		return httpServer.Shutdown(context.TODO())
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("shutting down on error", zap.Error(err))
	}
	proc.Wait()
}

func runSource(ctx context.Context, log *zap.Logger, source string, proc *processor.Processor) error {
	products := strings.Split(flProducts, ",")
	switch source {
	case "stdin":
		var lim *rate.Limiter
		if flReplayRate > 0 {
			lim = rate.NewLimiter(rate.Limit(flReplayRate), 1)
		}
		res, err := jsonfeed.Replay(ctx, log, os.Stdin, lim, proc.Ingest)
		log.Info("replay done", zap.Int("ingested", res.Ingested), zap.Int("skipped", res.Skipped))
		if err != nil {
			return err
		}
		return waitDrained(ctx, proc)
	case "coinbase":
		realtimequote.Feed(ctx, log, realtimequote.QuoteStreamFunc(coinbase.WatchSymbols), proc.Ingest, products...)
		return nil
	case "binance":
		realtimequote.Feed(ctx, log, realtimequote.QuoteStreamFunc(binance.WatchSymbols), proc.Ingest, products...)
		return nil
	case "none":
		<-ctx.Done()
		return nil
	default:
		return fmt.Errorf("unknown source %q", source)
	}
}

// waitDrained blocks until no symbol is waiting for a publish decision.
func waitDrained(ctx context.Context, proc *processor.Processor) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for proc.Pending() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}
