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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedQuote is returned for quotes that cannot be ingested.
var ErrMalformedQuote = errors.New("malformed quote")

// Quote is a single market data update for a symbol. Quotes are passed by
// value and never mutated after construction; a newer quote for the same
// symbol replaces the older one entirely.
type Quote struct {
	Symbol      string
	Bid         string
	Ask         string
	Last        string
	ID          int64
	LastUpdated time.Time
}

// Validate reports whether q can be ingested. Only the symbol is required;
// price fields are carried as given.
func (q Quote) Validate() error {
	if q.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrMalformedQuote)
	}
	return nil
}

// wireQuote is the JSON form of a Quote, timestamps in seconds since epoch.
type wireQuote struct {
	ID          int64  `json:"id"`
	Symbol      string `json:"symbol"`
	Bid         string `json:"bid"`
	Ask         string `json:"ask"`
	Last        string `json:"last"`
	LastUpdated int64  `json:"last_updated_time"`
}

func (q Quote) MarshalJSON() ([]byte, error) {
	w := wireQuote{ID: q.ID, Symbol: q.Symbol, Bid: q.Bid, Ask: q.Ask, Last: q.Last}
	if !q.LastUpdated.IsZero() {
		w.LastUpdated = q.LastUpdated.Unix()
	}
	return json.Marshal(w)
}

func (q *Quote) UnmarshalJSON(b []byte) error {
	var w wireQuote
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*q = Quote{ID: w.ID, Symbol: w.Symbol, Bid: w.Bid, Ask: w.Ask, Last: w.Last}
	if w.LastUpdated != 0 {
		q.LastUpdated = time.Unix(w.LastUpdated, 0).UTC()
	}
	return nil
}

type QuoteStream interface {
	// Watch provides real-time quotes for given products (e.g. BTC, ETH, AAPL, ...)
	// err is returned if it fails to connect and start streaming.
	// ch is closed when ctx is done, or if the stream disconnects.
	Watch(ctx context.Context, products ...string) (ch <-chan Quote, err error)
}

type QuoteStreamFunc func(ctx context.Context, products ...string) (ch <-chan Quote, err error)

func (f QuoteStreamFunc) Watch(ctx context.Context, products ...string) (ch <-chan Quote, err error) {
	return f(ctx, products...)
}
