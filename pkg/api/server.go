/*
Copyright 2023 The Jupyter-Bridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bdemchak/jupyter-bridge/pkg/bridge"
	"github.com/bdemchak/jupyter-bridge/version"
)

// padLength is the number of trailing spaces appended to dequeue payloads, a
// workaround for an upstream proxy truncating the closing bytes of small
// responses. Part of the wire contract until all peers are known fixed.
const padLength = 1500

var (
	errMissingChannel = errors.New("channel is missing in parameter list")
	errRequestNotJSON = errors.New("payload must be application/json")
	errReplyNotPlain  = errors.New("payload must be text/plain")
)

// Server is the thin HTTP adapter over the rendezvous engine. It owns media
// type enforcement, the stranded-reply sweep, the error-to-status mapping and
// the per-request transaction ids used for log correlation.
type Server struct {
	bridge *bridge.Bridge
	logger logr.Logger

	// transaction ids are useful for matching log entries; concurrent
	// handlers share the counter.
	transactionID atomic.Int64
}

// NewServer returns an adapter over b.
func NewServer(b *bridge.Bridge, logger logr.Logger) *Server {
	return &Server{
		bridge: b,
		logger: logger,
	}
}

// Routes builds the relay's HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.ping)
	mux.HandleFunc("GET /stats", s.stats)
	mux.HandleFunc("POST /queue_request", s.queueRequest)
	mux.HandleFunc("POST /queue_reply", s.queueReply)
	mux.HandleFunc("GET /dequeue_request", s.dequeueRequest)
	mux.HandleFunc("GET /dequeue_reply", s.dequeueReply)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// transactionLogger hands out the next transaction id, bound into a logger
// for the handler to pass down.
func (s *Server) transactionLogger(route string) logr.Logger {
	return s.logger.WithValues("route", route, "transaction", s.transactionID.Add(1)-1)
}

func (s *Server) ping(w http.ResponseWriter, _ *http.Request) {
	writePlain(w, http.StatusOK, "pong "+version.Version)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	log := s.transactionLogger("stats")

	csv, err := s.bridge.StatsCSV(r.Context())
	if err != nil {
		log.Error(err, "failed rendering stats")
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=jupyter-bridge.csv")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, csv)
}

func (s *Server) queueRequest(w http.ResponseWriter, r *http.Request) {
	log := s.transactionLogger("queue_request")
	ctx := logr.NewContext(r.Context(), log)

	channel, err := channelParam(r)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !hasContentType(r, "application/json") {
		writePlain(w, http.StatusInternalServerError, errRequestNotJSON.Error())
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Verify that the reply to a previous request was picked up before
	// issuing a new one; a stranded reply would be delivered in its place.
	stranded, found, err := s.bridge.DiscardStrandedReply(ctx, channel)
	if err != nil {
		log.Error(err, "failed clearing stranded reply", "channel", channel)
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	if found {
		log.Info("reply not picked up before new request", "channel", channel, "reply", stranded)
	}

	if err := s.bridge.Enqueue(ctx, bridge.Request, channel, payload); err != nil {
		log.Error(err, "enqueue failed", "channel", channel)
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePlain(w, http.StatusOK, "")
}

func (s *Server) queueReply(w http.ResponseWriter, r *http.Request) {
	log := s.transactionLogger("queue_reply")
	ctx := logr.NewContext(r.Context(), log)

	channel, err := channelParam(r)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !hasContentType(r, "text/plain") {
		writePlain(w, http.StatusInternalServerError, errReplyNotPlain.Error())
		return
	}
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := s.bridge.Enqueue(ctx, bridge.Reply, channel, payload); err != nil {
		log.Error(err, "enqueue failed", "channel", channel)
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePlain(w, http.StatusOK, "")
}

func (s *Server) dequeueRequest(w http.ResponseWriter, r *http.Request) {
	s.dequeue(w, r, bridge.Request, "dequeue_request")
}

func (s *Server) dequeueReply(w http.ResponseWriter, r *http.Request) {
	s.dequeue(w, r, bridge.Reply, "dequeue_reply")
}

func (s *Server) dequeue(w http.ResponseWriter, r *http.Request, direction bridge.Direction, route string) {
	log := s.transactionLogger(route)
	ctx := logr.NewContext(r.Context(), log)

	channel, err := channelParam(r)
	if err != nil {
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	resetFirst := r.URL.Query().Has("reset")

	payload, validReader, err := s.bridge.Dequeue(ctx, direction, channel, resetFirst)
	if err != nil {
		log.Error(err, "dequeue failed", "channel", channel)
		writePlain(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !validReader {
		writePlain(w, http.StatusTooManyRequests, "")
		return
	}
	if payload == nil {
		writePlain(w, http.StatusRequestTimeout, "")
		return
	}

	if s.bridge.Config().PadResponses {
		payload = append(payload, strings.Repeat(" ", padLength)...)
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// channelParam extracts the required channel query parameter.
func channelParam(r *http.Request) (string, error) {
	if !r.URL.Query().Has("channel") {
		return "", errMissingChannel
	}
	return r.URL.Query().Get("channel"), nil
}

// hasContentType matches the media type by prefix, so parameters like
// "; charset=utf-8" are tolerated.
func hasContentType(r *http.Request, mediaType string) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), mediaType)
}

func writePlain(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
