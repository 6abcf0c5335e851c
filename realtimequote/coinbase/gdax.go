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

package coinbase

import (
	"context"
	"fmt"
	"log"
	"strings"

	ws "github.com/gorilla/websocket"
	"github.com/preichenberger/go-coinbasepro/v2"

	"github.com/grpcoin/quotegate/realtimequote"
	"github.com/grpcoin/quotegate/realtimequote/common"
)

const feedURL = "wss://ws-feed.pro.coinbase.com"

// WatchSymbols streams coinbase ticker updates for products quoted in USD.
func WatchSymbols(ctx context.Context, products ...string) (<-chan realtimequote.Quote, error) {
	symbols := make([]string, len(products))
	for i, v := range products {
		symbols[i] = v + "-USD"
	}

	var wsDialer ws.Dialer
	wsConn, _, err := wsDialer.DialContext(ctx, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	subscribe := coinbasepro.Message{
		Type: "subscribe",
		Channels: []coinbasepro.MessageChannel{
			{
				Name:       "ticker",
				ProductIds: symbols,
			},
		},
	}

	if err := wsConn.WriteJSON(subscribe); err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := make(chan realtimequote.Quote)
	go func() {
		<-ctx.Done()
		wsConn.Close() // unblocks ReadJSON
	}()
	go func() {
		defer close(ch)
		for {
			if ctx.Err() != nil {
				return
			}
			var message coinbasepro.Message
			if err := wsConn.ReadJSON(&message); err != nil {
				if ctx.Err() == nil {
					log.Printf("warn: json read/parse err: %v", err)
				}
				return
			}
			q, ok := toQuote(message)
			if !ok {
				continue
			}
			select {
			case ch <- q:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func toQuote(m coinbasepro.Message) (realtimequote.Quote, bool) {
	if m.Type != "ticker" {
		return realtimequote.Quote{}, false
	}
	return realtimequote.Quote{
		Symbol:      strings.TrimSuffix(m.ProductID, "-USD"),
		Bid:         common.NormalizePrice(m.BestBid),
		Ask:         common.NormalizePrice(m.BestAsk),
		Last:        common.NormalizePrice(m.Price),
		ID:          m.Sequence,
		LastUpdated: m.Time.Time()}, true
}
