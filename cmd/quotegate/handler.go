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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/purini-to/zapmw"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/grpcoin/quotegate/processor"
	"github.com/grpcoin/quotegate/quotesink"
	"github.com/grpcoin/quotegate/realtimequote"
	"github.com/grpcoin/quotegate/realtimequote/pubsub"
)

const (
	maxIngestBody   = 64 << 10
	watchBuffer     = 256
	statsWindowSecs = 60
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type server struct {
	log       *zap.Logger
	proc      *processor.Processor
	bus       *pubsub.PubSub
	published *quotesink.RedisPublisher
}

func (s *server) Handler() http.Handler {
	m := mux.NewRouter()
	m.Use(handlers.ProxyHeaders)
	// websocket is registered outside of the logging middleware, which
	// wraps the response writer
	m.HandleFunc("/watch", s.watch).Methods(http.MethodGet)

	api := m.NewRoute().Subrouter()
	api.Use(zapmw.WithZap(s.log, withStackdriverFields),
		zapmw.Request(zapcore.InfoLevel, "request"),
		zapmw.Recoverer(zapcore.ErrorLevel, "recover", zapmw.RecovererDefault))
	api.HandleFunc("/ingest", s.toHandler(s.ingest)).Methods(http.MethodPost)
	api.HandleFunc("/quotes", s.toHandler(s.quotes)).Methods(http.MethodGet)
	api.HandleFunc("/quotes/{symbol}", s.toHandler(s.quote)).Methods(http.MethodGet)
	api.HandleFunc("/published/{symbol}", s.toHandler(s.lastPublished)).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.toHandler(s.stats)).Methods(http.MethodGet)
	api.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, s.proc.State())
	})
	return m
}

type httpErr struct {
	status int
	err    error
}

func (e *httpErr) Error() string { return e.err.Error() }
func (e *httpErr) Unwrap() error { return e.err }

func withStatus(status int, err error) error { return &httpErr{status: status, err: err} }

// toHandler allows handlers to return errors, which are rendered as JSON
// error responses.
func (s *server) toHandler(f func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bw := &bufferedRespWriter{ResponseWriter: w}
		err := f(bw, r)
		if err == nil {
			if bw.status != 0 {
				w.WriteHeader(bw.status)
			}
			io.Copy(w, &bw.b)
			return
		}
		handleErr(loggerFrom(r.Context(), s.log), w, err)
	}
}

type respErr struct {
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	ID      string `json:"id,omitempty"`
}

func handleErr(log *zap.Logger, w http.ResponseWriter, err error) {
	id := uuid.New().String()
	outErr := respErr{ID: id, Status: http.StatusInternalServerError, Message: err.Error()}
	var he *httpErr
	if errors.As(err, &he) {
		outErr.Status = he.status
	}
	if outErr.Status >= 500 {
		log.Error("request error", zap.Error(err), zap.String("error.id", id))
	} else {
		log.Debug("request rejected", zap.Error(err), zap.String("error.id", id))
	}
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(outErr.Status)
	e := json.NewEncoder(w)
	e.SetIndent("", "\t")
	e.Encode(outErr)
}

type bufferedRespWriter struct {
	b      bytes.Buffer
	status int
	http.ResponseWriter
}

func (bw *bufferedRespWriter) Write(d []byte) (int, error) {
	return bw.b.Write(d)
}

func (bw *bufferedRespWriter) WriteHeader(statusCode int) {
	bw.status = statusCode
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("content-type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	return json.NewEncoder(w).Encode(v)
}

func (s *server) ingest(w http.ResponseWriter, r *http.Request) error {
	var q realtimequote.Quote
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&q); err != nil {
		return withStatus(http.StatusBadRequest, fmt.Errorf("%w: %v", realtimequote.ErrMalformedQuote, err))
	}
	if err := s.proc.Ingest(q); err != nil {
		if errors.Is(err, realtimequote.ErrMalformedQuote) {
			return withStatus(http.StatusBadRequest, err)
		}
		return err
	}
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func (s *server) quotes(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, 0, s.proc.Snapshot())
}

func (s *server) quote(w http.ResponseWriter, r *http.Request) error {
	symbol := mux.Vars(r)["symbol"]
	q, ok := s.proc.Latest(symbol)
	if !ok {
		return withStatus(http.StatusNotFound, fmt.Errorf("no quote for %s", symbol))
	}
	return writeJSON(w, 0, q)
}

func (s *server) lastPublished(w http.ResponseWriter, r *http.Request) error {
	symbol := mux.Vars(r)["symbol"]
	q, err := s.published.Latest(r.Context(), symbol)
	if errors.Is(err, quotesink.ErrNotFound) {
		return withStatus(http.StatusNotFound, fmt.Errorf("%s: %w", symbol, err))
	} else if err != nil {
		return err
	}
	return writeJSON(w, 0, q)
}

type statsResp struct {
	processor.Stats
	State            string `json:"state"`
	Pending          int    `json:"pending"`
	Symbols          int    `json:"symbols"`
	Watchers         int    `json:"watchers"`
	PublishedLastMin int64  `json:"published_last_minute"`
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) error {
	n, err := s.published.PublishCount(r.Context(), time.Now(), statsWindowSecs)
	if err != nil {
		return err
	}
	return writeJSON(w, 0, statsResp{
		Stats:            s.proc.Stats(),
		State:            s.proc.State().String(),
		Pending:          s.proc.Pending(),
		Symbols:          s.proc.Symbols(),
		Watchers:         s.bus.Len(),
		PublishedLastMin: n,
	})
}

// watch streams published quotes over a websocket. Optional query
// parameters: symbols (comma separated) and max_rate (per-symbol minimum
// spacing, e.g. 500ms).
func (s *server) watch(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if v := r.URL.Query().Get("symbols"); v != "" {
		symbols = strings.Split(v, ",")
	}
	var maxRate time.Duration
	if v := r.URL.Query().Get("max_rate"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			handleErr(s.log, w, withStatus(http.StatusBadRequest, fmt.Errorf("invalid max_rate %q", v)))
			return
		}
		maxRate = d
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// reads only to notice the client going away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ch := realtimequote.FilterSymbols(s.bus.Watch(ctx, watchBuffer), symbols...)
	if maxRate > 0 {
		ch = realtimequote.RateLimited(ch, maxRate)
	}
	for q := range ch {
		if err := conn.WriteJSON(q); err != nil {
			s.log.Debug("websocket write failed", zap.Error(err))
			cancel()
			break
		}
	}
	for range ch { // drain until unsubscribed
	}
}
