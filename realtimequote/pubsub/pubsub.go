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

package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/grpcoin/quotegate/realtimequote"
)

var ErrClosed = errors.New("pubsub closed")

// PubSub is an in-memory topic of published quotes. Delivery is at most once:
// a subscriber that is not ready to receive misses the message.
type PubSub struct {
	mu     sync.Mutex
	subs   map[chan<- realtimequote.Quote]bool
	closed bool
}

// NewPubSub returns an in-memory pubsub topic.
func NewPubSub() *PubSub {
	return &PubSub{subs: make(map[chan<- realtimequote.Quote]bool)}
}

// Sub creates a subscription that pushes to ch.
// If the topic is closed, ch will be closed.
// If message blocks from being sent on ch, it will be dropped.
func (p *PubSub) Sub(ch chan<- realtimequote.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return
	}
	p.subs[ch] = true
}

// Unsub removes subscription and closes ch.
func (p *PubSub) Unsub(ch chan<- realtimequote.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[ch]; !ok {
		return
	}
	delete(p.subs, ch)
	close(ch)
}

// Watch subscribes a new channel with the given buffer size and unsubscribes
// it when ctx is done.
func (p *PubSub) Watch(ctx context.Context, buf int) <-chan realtimequote.Quote {
	ch := make(chan realtimequote.Quote, buf)
	p.Sub(ch)
	go func() {
		<-ctx.Done()
		p.Unsub(ch)
	}()
	return ch
}

// Publish fans q out to current subscribers without blocking.
func (p *PubSub) Publish(_ context.Context, q realtimequote.Quote) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	for c := range p.subs {
		select {
		case c <- q:
		default: // drop message
		}
	}
	return nil
}

// Len returns the number of subscribers.
func (p *PubSub) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close closes all subscribers. Publish fails afterwards.
func (p *PubSub) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for c := range p.subs {
		delete(p.subs, c)
		close(c)
	}
}
