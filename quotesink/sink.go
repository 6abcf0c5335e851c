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

package quotesink

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/grpcoin/quotegate/processor"
	"github.com/grpcoin/quotegate/realtimequote"
)

// Tee publishes every quote to all of pubs, in order. A failing publisher
// does not keep the others from receiving the quote.
func Tee(pubs ...processor.Publisher) processor.Publisher {
	return processor.PublisherFunc(func(ctx context.Context, q realtimequote.Quote) error {
		var errs []error
		for _, p := range pubs {
			if err := p.Publish(ctx, q); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Log writes published quotes to log.
func Log(log *zap.Logger) processor.Publisher {
	return processor.PublisherFunc(func(_ context.Context, q realtimequote.Quote) error {
		log.Info("publish",
			zap.String("symbol", q.Symbol),
			zap.Int64("id", q.ID),
			zap.String("bid", q.Bid),
			zap.String("ask", q.Ask),
			zap.String("last", q.Last),
			zap.Time("last_updated", q.LastUpdated))
		return nil
	})
}
