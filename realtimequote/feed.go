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
	"time"

	"go.uber.org/zap"
)

const DefaultReconnectInterval = time.Millisecond * 100

// IngestFunc receives quotes from a feed.
type IngestFunc func(Quote) error

// Feed maintains an auto-reconnecting watch on qs and hands every received
// quote to ingest. Quotes rejected by ingest are logged and skipped. It
// returns when ctx is done and is meant to be invoked in a goroutine.
func Feed(ctx context.Context, log *zap.Logger, qs QuoteStream, ingest IngestFunc, products ...string) {
	for {
		if ctx.Err() != nil {
			return
		}
		ch, err := qs.Watch(ctx, products...)
		if err != nil {
			log.Warn("warning: failed to connect to quote stream", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(DefaultReconnectInterval):
			}
			continue
		}
		for m := range ch {
			if err := ingest(m); err != nil {
				log.Warn("dropping quote from feed", zap.String("symbol", m.Symbol), zap.Error(err))
			}
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("quote stream broken, reopening")
	}
}
