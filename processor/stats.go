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

import "sync/atomic"

// Stats are cumulative counters since the processor was created.
type Stats struct {
	Ingested   int64 `json:"ingested"`
	Duplicates int64 `json:"duplicates"` // ingests whose symbol was already queued
	Dequeued   int64 `json:"dequeued"`
	Published  int64 `json:"published"`
	Throttled  int64 `json:"throttled"`
	Coalesced  int64 `json:"coalesced"`
	Failed     int64 `json:"failed"`
	Requeued   int64 `json:"requeued"`
}

type counters struct {
	ingested, duplicates, dequeued, published atomic.Int64
	throttled, coalesced, failed, requeued    atomic.Int64
}

func (p *Processor) Stats() Stats {
	c := &p.stats
	return Stats{
		Ingested:   c.ingested.Load(),
		Duplicates: c.duplicates.Load(),
		Dequeued:   c.dequeued.Load(),
		Published:  c.published.Load(),
		Throttled:  c.throttled.Load(),
		Coalesced:  c.coalesced.Load(),
		Failed:     c.failed.Load(),
		Requeued:   c.requeued.Load(),
	}
}
