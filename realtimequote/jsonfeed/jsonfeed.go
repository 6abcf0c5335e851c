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

// Package jsonfeed replays newline-delimited JSON quotes, such as a recorded
// market data capture, into an ingest function.
package jsonfeed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/grpcoin/quotegate/realtimequote"
)

const maxLineSize = 1 << 20

type Result struct {
	Ingested int
	Skipped  int
}

// Replay reads quotes from r, one JSON object per line, and hands them to
// ingest. Lines that do not decode or are rejected by ingest are logged and
// skipped. If lim is non-nil, quotes are paced by it. Replay stops at EOF,
// on a read error, or when ctx is done.
func Replay(ctx context.Context, log *zap.Logger, r io.Reader, lim *rate.Limiter, ingest realtimequote.IngestFunc) (Result, error) {
	var res Result
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var q realtimequote.Quote
		if err := json.Unmarshal([]byte(text), &q); err != nil {
			log.Warn("skipping undecodable line", zap.Int("line", line), zap.Error(err))
			res.Skipped++
			continue
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return res, err
			}
		} else if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := ingest(q); err != nil {
			log.Warn("skipping rejected quote", zap.Int("line", line), zap.Error(err))
			res.Skipped++
			continue
		}
		res.Ingested++
	}
	if err := sc.Err(); err != nil {
		return res, fmt.Errorf("failed to read quotes: %w", err)
	}
	return res, nil
}
