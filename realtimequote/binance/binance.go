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

package binance

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"github.com/grpcoin/quotegate/realtimequote"
	"github.com/grpcoin/quotegate/realtimequote/common"
)

// WatchSymbols streams binance aggregated trades for products quoted in USDT.
// Trades carry no book, so only the last price is set.
func WatchSymbols(ctx context.Context, products ...string) (<-chan realtimequote.Quote, error) {
	gobinance.WebsocketKeepalive = true // handle sending pong frames
	symbols := make([]string, len(products))
	for i, s := range products {
		symbols[i] = strings.ToLower(s + "USDT")
	}

	out := make(chan realtimequote.Quote)
	doneC, stopC, err := gobinance.WsCombinedAggTradeServe(symbols, func(event *gobinance.WsAggTradeEvent) {
		select {
		case out <- toQuote(event):
		case <-ctx.Done():
		}
	}, func(err error) {
		log.Print(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect binance: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			stopC <- struct{}{}
		case <-doneC:
		}
	}()
	go func() {
		<-doneC
		close(out)
	}()
	return out, nil
}

func toQuote(event *gobinance.WsAggTradeEvent) realtimequote.Quote {
	return realtimequote.Quote{
		Symbol:      strings.TrimSuffix(strings.ToUpper(event.Symbol), "USDT"),
		Last:        common.NormalizePrice(event.Price),
		ID:          event.AggTradeID,
		LastUpdated: time.Unix(event.Time/1000, event.Time%1000*1_000_000)}
}
