// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package stream turns upstream SSE generation output into the client-facing
// event stream: message_start, content_block_start/delta/stop per block, and
// message_delta/message_stop at the end, with strict open/close discipline.
package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/tokens"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/translate"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_events_total",
			Help: "Server-sent events written to streaming clients.",
		},
		[]string{"type"},
	)
	outputTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_stream_output_tokens_total",
			Help: "Estimated output tokens streamed to clients.",
		},
	)
)

// Streamer builds per-request emitters and drives upstream stream
// consumption. One instance serves the whole process.
type Streamer struct {
	logger log.Logger
	sigs   *translate.Cache
}

func NewStreamer(logger log.Logger, sigs *translate.Cache, reg prometheus.Registerer) *Streamer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if sigs == nil {
		sigs = translate.NewCache()
	}
	if reg != nil {
		reg.MustRegister(eventsTotal, outputTokensTotal)
	}
	return &Streamer{logger: logger, sigs: sigs}
}

// ToolCall is one model-issued invocation relayed to the client as a
// tool_use block.
type ToolCall struct {
	ID   string
	Name string
	// Args is the raw JSON argument object, sent verbatim as partial_json.
	Args string
}

// Emitter writes the event stream for a single request. It is not safe for
// concurrent use; upstream events are relayed in arrival order by one
// goroutine. After the first failed write nothing further is written, so a
// gone client costs at most one syscall per event.
type Emitter struct {
	logger log.Logger
	w      io.Writer
	flush  func()

	model       string
	requestID   string
	inputTokens int

	nextIndex     int
	textIndex     int
	thinkingIndex int
	outputTokens  int
	started       bool
	finished      bool
	failed        bool
}

// NewEmitter wires an emitter to the client connection. inputTokens is the
// request estimate reported in message_start and used as the usage fallback.
func (s *Streamer) NewEmitter(w io.Writer, model, requestID string, inputTokens int) *Emitter {
	e := &Emitter{
		logger:        log.With(s.logger, "request", requestID),
		w:             w,
		model:         model,
		requestID:     requestID,
		inputTokens:   inputTokens,
		textIndex:     -1,
		thinkingIndex: -1,
	}
	if f, ok := w.(http.Flusher); ok {
		e.flush = f.Flush
	}
	return e
}

type messageStartEvent struct {
	Type    string          `json:"type"`
	Message messageEnvelope `json:"message"`
}

type messageEnvelope struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Role         string    `json:"role"`
	Model        string    `json:"model"`
	Content      []any     `json:"content"`
	StopReason   *string   `json:"stop_reason"`
	StopSequence *string   `json:"stop_sequence"`
	Usage        api.Usage `json:"usage"`
}

type blockStartEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock any    `json:"content_block"`
}

type blockDeltaEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta any    `json:"delta"`
}

type blockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDeltaEvent struct {
	Type  string           `json:"type"`
	Delta messageDeltaBody `json:"delta"`
	Usage api.Usage        `json:"usage"`
}

type messageDeltaBody struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type messageStopEvent struct {
	Type string `json:"type"`
}

type errorEvent struct {
	Type  string          `json:"type"`
	Error api.ErrorDetail `json:"error"`
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingBlock struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type toolUseBlock struct {
	Type  string          `json:"type"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

type textDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type thinkingDelta struct {
	Type     string `json:"type"`
	Thinking string `json:"thinking"`
}

type inputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

// Start emits message_start. Safe to call once; later calls are no-ops.
func (e *Emitter) Start() {
	if e.started {
		return
	}
	e.started = true
	e.writeEvent("message_start", messageStartEvent{
		Type: "message_start",
		Message: messageEnvelope{
			ID:      "msg_" + e.requestID,
			Type:    "message",
			Role:    "assistant",
			Model:   e.model,
			Content: []any{},
			Usage:   api.Usage{InputTokens: e.inputTokens},
		},
	})
}

// Started reports whether message_start has been written, i.e. whether the
// client already saw a committed stream.
func (e *Emitter) Started() bool { return e.started }

// Failed reports whether a client write failed; callers stop feeding the
// emitter and cancel the upstream read.
func (e *Emitter) Failed() bool { return e.failed }

// SendText appends a text chunk, closing any open thinking block first.
func (e *Emitter) SendText(chunk string) {
	if e.finished || chunk == "" {
		return
	}
	e.closeThinking()
	if e.textIndex < 0 {
		e.textIndex = e.openBlock(textBlock{Type: "text"})
	}
	e.writeEvent("content_block_delta", blockDeltaEvent{
		Type:  "content_block_delta",
		Index: e.textIndex,
		Delta: textDelta{Type: "text_delta", Text: chunk},
	})
	e.accumulate(chunk)
}

// SendThinking appends a thinking chunk, closing any open text block first.
func (e *Emitter) SendThinking(chunk string) {
	if e.finished || chunk == "" {
		return
	}
	e.closeText()
	if e.thinkingIndex < 0 {
		e.thinkingIndex = e.openBlock(thinkingBlock{Type: "thinking"})
	}
	e.writeEvent("content_block_delta", blockDeltaEvent{
		Type:  "content_block_delta",
		Index: e.thinkingIndex,
		Delta: thinkingDelta{Type: "thinking_delta", Thinking: chunk},
	})
	e.accumulate(chunk)
}

// SendToolCalls closes any open block and emits one self-contained tool_use
// block per call: start, a single input_json_delta, stop.
func (e *Emitter) SendToolCalls(calls []ToolCall) {
	if e.finished {
		return
	}
	e.closeThinking()
	e.closeText()
	for _, c := range calls {
		args := c.Args
		if args == "" {
			args = "{}"
		}
		idx := e.openBlock(toolUseBlock{Type: "tool_use", ID: c.ID, Name: c.Name, Input: json.RawMessage("{}")})
		e.writeEvent("content_block_delta", blockDeltaEvent{
			Type:  "content_block_delta",
			Index: idx,
			Delta: inputJSONDelta{Type: "input_json_delta", PartialJSON: args},
		})
		e.closeBlock(idx)
	}
}

// Finish closes open blocks and emits message_delta plus message_stop.
// Zero usage fields fall back to the request estimate and the accumulated
// output estimate. Idempotent.
func (e *Emitter) Finish(usage api.Usage) {
	if e.finished {
		return
	}
	e.finished = true
	e.closeThinking()
	e.closeText()
	if usage.InputTokens == 0 {
		usage.InputTokens = e.inputTokens
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = e.outputTokens
	}
	e.writeEvent("message_delta", messageDeltaEvent{
		Type:  "message_delta",
		Delta: messageDeltaBody{StopReason: "end_turn"},
		Usage: usage,
	})
	e.writeEvent("message_stop", messageStopEvent{Type: "message_stop"})
}

// SendError relays an upstream failure on an already-committed stream.
func (e *Emitter) SendError(message string) {
	e.writeEvent("error", errorEvent{
		Type:  "error",
		Error: api.ErrorDetail{Type: "api_error", Message: message},
	})
}

func (e *Emitter) openBlock(block any) int {
	idx := e.nextIndex
	e.nextIndex++
	e.writeEvent("content_block_start", blockStartEvent{
		Type:         "content_block_start",
		Index:        idx,
		ContentBlock: block,
	})
	return idx
}

func (e *Emitter) closeBlock(idx int) {
	e.writeEvent("content_block_stop", blockStopEvent{Type: "content_block_stop", Index: idx})
}

func (e *Emitter) closeText() {
	if e.textIndex >= 0 {
		e.closeBlock(e.textIndex)
		e.textIndex = -1
	}
}

func (e *Emitter) closeThinking() {
	if e.thinkingIndex >= 0 {
		e.closeBlock(e.thinkingIndex)
		e.thinkingIndex = -1
	}
}

func (e *Emitter) accumulate(chunk string) {
	n := tokens.Estimate(chunk)
	e.outputTokens += n
	outputTokensTotal.Add(float64(n))
}

func (e *Emitter) writeEvent(name string, payload any) {
	if e.failed {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		e.failed = true
		_ = level.Error(e.logger).Log("msg", "encoding stream event failed", "event", name, "err", err)
		return
	}
	if _, err := fmt.Fprintf(e.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		e.failed = true
		_ = level.Warn(e.logger).Log("msg", "client write failed, stopping stream", "event", name, "err", err)
		return
	}
	if e.flush != nil {
		e.flush()
	}
	eventsTotal.WithLabelValues(name).Inc()
}
