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

// Package quotesink has downstream destinations for published quotes.
package quotesink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/grpcoin/quotegate/realtimequote"
)

var ErrNotFound = errors.New("no quote published for symbol")

type TimeProvider func() time.Time

// RedisPublisher stores each published quote as the symbol's latest value,
// publishes it on the symbol's channel, and counts publishes per second.
type RedisPublisher struct {
	R     *redis.Client
	T     TimeProvider
	Trace trace.Tracer

	// LatestTTL expires latest values that are not refreshed. Zero keeps them.
	LatestTTL time.Duration
}

func NewRedisPublisher(r *redis.Client, t TimeProvider, tracer trace.Tracer) *RedisPublisher {
	return &RedisPublisher{R: r, T: t, Trace: tracer}
}

func (r *RedisPublisher) Publish(ctx context.Context, q realtimequote.Quote) error {
	ctx, s := r.Trace.Start(ctx, "publish quote",
		trace.WithAttributes(attribute.String("symbol", q.Symbol)))
	defer s.End()

	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("failed to encode quote: %w", err)
	}
	bucket := r.T().Truncate(time.Second)
	p := r.R.TxPipeline()
	p.Set(ctx, LatestKey(q.Symbol), b, r.LatestTTL)
	p.Publish(ctx, Channel(q.Symbol), b)
	p.Incr(ctx, publishCountKey(bucket))
	p.Expire(ctx, publishCountKey(bucket), countRetention)
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

// Latest returns the last quote published for symbol.
func (r *RedisPublisher) Latest(ctx context.Context, symbol string) (realtimequote.Quote, error) {
	var q realtimequote.Quote
	b, err := r.R.Get(ctx, LatestKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return q, ErrNotFound
	} else if err != nil {
		return q, fmt.Errorf("failed to reach redis: %w", err)
	}
	if err := json.Unmarshal(b, &q); err != nil {
		return q, fmt.Errorf("corrupt quote for %s: %w", symbol, err)
	}
	return q, nil
}

const countRetention = time.Minute * 2

// PublishCount returns the number of publishes in the past n seconds
// ending with the second of now.
func (r *RedisPublisher) PublishCount(ctx context.Context, now time.Time, n int) (int64, error) {
	if n > int(countRetention/time.Second) {
		return 0, fmt.Errorf("only %v of publish counts are kept", countRetention)
	}
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		keys = append(keys, publishCountKey(now.Add(-time.Second*time.Duration(i)).Truncate(time.Second)))
	}
	res, err := r.R.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to reach redis: %w", err)
	}
	var total int64
	for _, c := range res {
		if v, ok := c.(string); ok {
			vv, _ := strconv.ParseInt(v, 10, 64)
			total += vv
		}
	}
	return total, nil
}

func LatestKey(symbol string) string {
	return "quote::" + symbol
}

func Channel(symbol string) string {
	return "quotes." + symbol
}

func publishCountKey(t time.Time) string {
	return fmt.Sprintf("publishes::%d", t.Unix())
}
