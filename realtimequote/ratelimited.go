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

package realtimequote

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimited provides per-symbol rate limiting on ch, limiting to
// one output per d. Quotes over the limit are dropped.
func RateLimited(ch <-chan Quote, d time.Duration) <-chan Quote {
	out := make(chan Quote)

	limiters := make(map[string]*rate.Limiter)

	go func() {
		for m := range ch {
			l, ok := limiters[m.Symbol]
			if !ok {
				l = rate.NewLimiter(rate.Every(d), 1)
				limiters[m.Symbol] = l
			}
			if l.Allow() {
				out <- m
			}
		}
		close(out)
	}()
	return out
}

// FilterSymbols passes through quotes for the given symbols only. An empty
// list passes everything.
func FilterSymbols(ch <-chan Quote, symbols ...string) <-chan Quote {
	if len(symbols) == 0 {
		return ch
	}
	out := make(chan Quote)
	go func() {
		for m := range ch {
			if IsSupported(symbols, m.Symbol) {
				out <- m
			}
		}
		close(out)
	}()
	return out
}
