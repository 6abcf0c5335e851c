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
	"sort"
	"sync"
)

// LatestStore keeps the most recently ingested quote per symbol. Entries are
// never removed. Safe for concurrent use.
type LatestStore struct {
	lock   sync.RWMutex
	quotes map[string]Quote
}

func NewLatestStore() *LatestStore {
	return &LatestStore{quotes: make(map[string]Quote)}
}

// Put replaces the stored quote for q.Symbol.
func (s *LatestStore) Put(q Quote) {
	s.lock.Lock()
	s.quotes[q.Symbol] = q
	s.lock.Unlock()
}

// Get returns the latest quote for symbol, if any was stored.
func (s *LatestStore) Get(symbol string) (Quote, bool) {
	s.lock.RLock()
	q, ok := s.quotes[symbol]
	s.lock.RUnlock()
	return q, ok
}

func (s *LatestStore) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.quotes)
}

// Snapshot returns a copy of all stored quotes ordered by symbol.
func (s *LatestStore) Snapshot() []Quote {
	s.lock.RLock()
	out := make([]Quote, 0, len(s.quotes))
	for _, q := range s.quotes {
		out = append(out, q)
	}
	s.lock.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
