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

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/credential"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/tokens"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/translate"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	inputTokens := tokens.EstimateRequest(req)
	if req.Stream {
		h.streamMessages(w, r, req, requestID, inputTokens)
	} else {
		h.completeMessages(w, r, req, requestID, inputTokens)
	}
}

func (h *Handler) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}
	n := tokens.EstimateRequest(req)
	h.writeJSON(w, http.StatusOK, api.CountTokensResponse{InputTokens: n, TokenCount: n, Tokens: n})
}

// readRequest decodes a size-limited message request, writing the error
// response itself when the body is oversized or malformed.
func (h *Handler) readRequest(w http.ResponseWriter, r *http.Request) (*api.MessagesRequest, bool) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				fmt.Sprintf("request body exceeds %d bytes", h.opts.MaxRequestBytes))
			return nil, false
		}
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "reading request body: "+err.Error())
		return nil, false
	}
	var req api.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", "parsing request body: "+err.Error())
		return nil, false
	}
	return &req, true
}

func (h *Handler) completeMessages(w http.ResponseWriter, r *http.Request, req *api.MessagesRequest, requestID string, inputTokens int) {
	var resp *api.MessagesResponse
	err := h.dial(r.Context(), req, requestID, func(sel credential.Selected, env *upstream.Envelope) error {
		raw, err := h.deps.Upstream.Generate(r.Context(), sel.AccessToken, env)
		if err != nil {
			return err
		}
		out, err := h.deps.Translator.TranslateResponse(raw, req.Model, requestID, inputTokens)
		if err != nil {
			return err
		}
		resp = out
		return nil
	})
	if err != nil {
		h.writeUpstreamError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) streamMessages(w http.ResponseWriter, r *http.Request, req *api.MessagesRequest, requestID string, inputTokens int) {
	err := h.dial(r.Context(), req, requestID, func(sel credential.Selected, env *upstream.Envelope) error {
		rc, err := h.deps.Upstream.StreamGenerate(r.Context(), sel.AccessToken, env)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := rc.Close(); cerr != nil {
				_ = level.Debug(h.logger).Log("msg", "closing upstream stream failed", "err", cerr)
			}
		}()

		// The response is committed from here on; later failures travel
		// in-band as SSE error events, never as a new status code.
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		em := h.deps.Streams.NewEmitter(w, req.Model, requestID, inputTokens)
		em.Start()
		if cerr := h.deps.Streams.Consume(r.Context(), rc, em); cerr != nil {
			_ = level.Warn(h.logger).Log("msg", "stream ended with error", "request", requestID, "err", cerr)
		}
		return nil
	})
	if err != nil {
		h.writeUpstreamError(w, err)
	}
}

// dial runs the select, translate, call cycle up to the attempt cap. perform
// issues one upstream attempt; a nil return means the response is written.
// Quota rejections install a cooldown and reselect; a thought-signature
// rejection is retried once on the same credential with thinking stripped;
// client input faults abort immediately.
func (h *Handler) dial(ctx context.Context, req *api.MessagesRequest, requestID string, perform func(sel credential.Selected, env *upstream.Envelope) error) error {
	// Selection must survive a client disconnect: an interrupted token
	// refresh or project discovery would waste the credential's work.
	pickCtx := context.WithoutCancel(ctx)
	stripped := false
	var lastErr error
	for attempt := 0; attempt < h.opts.RetryMaxAttempts; {
		sel, err := h.deps.Picker.Pick(pickCtx, req.Model)
		if err != nil {
			if lastErr != nil && upstream.KindOf(err) == upstream.KindPoolExhausted {
				return lastErr
			}
			return err
		}
		env, err := h.deps.Translator.Translate(req, sel.ProjectID, requestID, sel.SessionID)
		if err != nil {
			return err
		}
		if stripped {
			translate.StripThinking(env)
		}
		attempt++
		if err = perform(sel, env); err == nil {
			return nil
		}
		if upstream.KindOf(err) == upstream.KindBadSignature && !stripped && attempt < h.opts.RetryMaxAttempts {
			stripped = true
			translate.StripThinking(env)
			attempt++
			if err = perform(sel, env); err == nil {
				return nil
			}
		}
		lastErr = err
		switch upstream.KindOf(err) {
		case upstream.KindQuotaExhausted:
			cooled := h.deps.Cooldowns.Put(sel.ProjectID, req.Model, upstream.ResetAtOf(err), upstream.ReasonOf(err))
			_ = level.Info(h.logger).Log("msg", "quota exhausted, cooling down", "project", sel.ProjectID, "models", strings.Join(cooled, ","), "attempt", attempt)
		case upstream.KindTranslationInput:
			return err
		default:
			_ = level.Warn(h.logger).Log("msg", "upstream attempt failed, advancing", "project", sel.ProjectID, "attempt", attempt, "err", err)
		}
	}
	return lastErr
}
