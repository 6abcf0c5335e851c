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

package main

import (
	"context"
	"net/http"
	"strconv"

	"github.com/blendle/zapdriver"
	"github.com/purini-to/zapmw"
	"go.uber.org/zap"
)

// withStackdriverFields attaches request metadata. zapdriver.NewHTTP is not
// used because it consumes the request body to measure it.
func withStackdriverFields(log *zap.Logger, r *http.Request) *zap.Logger {
	payload := &zapdriver.HTTPPayload{
		RequestMethod: r.Method,
		RequestURL:    r.URL.String(),
		UserAgent:     r.UserAgent(),
		RemoteIP:      r.Header.Get("x-forwarded-for"),
		Referer:       r.Referer(),
		Protocol:      r.Proto,
	}
	if r.ContentLength >= 0 {
		payload.RequestSize = strconv.FormatInt(r.ContentLength, 10)
	}
	return log.With(zapdriver.HTTP(payload))
}

// loggerFrom returns the request logger installed by zapmw, or fallback.
func loggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if v, ok := ctx.Value(zapmw.ZapKey).(*zap.Logger); ok {
		return v
	}
	return fallback
}
