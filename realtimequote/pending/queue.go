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

// Package pending provides a FIFO of symbols that have unpublished updates.
package pending

import (
	"context"
	"sync"
	"time"
)

// Queue is a deduplicating FIFO of symbols. A symbol is present at most once
// between being offered and being taken. It supports many producers and a
// single consumer.
type Queue struct {
	mu      sync.Mutex
	items   []string
	head    int
	present map[string]struct{}

	// ready holds a token while items may be available.
	ready chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		present: make(map[string]struct{}),
		ready:   make(chan struct{}, 1),
	}
}

// OfferIfAbsent appends symbol unless it is already queued. It never blocks
// on the consumer. Reports whether symbol was added.
func (q *Queue) OfferIfAbsent(symbol string) bool {
	q.mu.Lock()
	if _, ok := q.present[symbol]; ok {
		q.mu.Unlock()
		return false
	}
	q.present[symbol] = struct{}{}
	q.items = append(q.items, symbol)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// Take removes and returns the oldest symbol, waiting up to timeout for one
// to arrive. It returns false on timeout or when ctx is done; callers treat
// both the same way.
func (q *Queue) Take(ctx context.Context, timeout time.Duration) (string, bool) {
	if s, ok := q.poll(); ok {
		return s, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.ready:
			if s, ok := q.poll(); ok {
				return s, true
			}
		case <-timer.C:
			return q.poll()
		case <-ctx.Done():
			return "", false
		}
	}
}

func (q *Queue) poll() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == len(q.items) {
		return "", false
	}
	s := q.items[q.head]
	q.items[q.head] = ""
	q.head++
	delete(q.present, s)

	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	if q.head < len(q.items) {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return s, true
}

// Len returns the number of queued symbols.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Contains reports whether symbol is queued.
func (q *Queue) Contains(symbol string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.present[symbol]
	return ok
}
