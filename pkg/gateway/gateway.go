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

// Package gateway is the client-facing HTTP surface: the messages endpoint
// with its credential selection and retry loop, token counting, the model
// listing, and the admin panel. Handlers speak the message-schema error
// envelope for every failure.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/cooldown"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/credential"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/stream"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/translate"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gateway_http_requests_total",
	Help: "Handled client requests by handler and status code.",
}, []string{"handler", "code"})

// CredentialPicker yields ready-to-use credentials for a model.
type CredentialPicker interface {
	Pick(ctx context.Context, model string) (credential.Selected, error)
}

// Generator issues upstream generate calls. *upstream.Client implements it.
type Generator interface {
	Generate(ctx context.Context, accessToken string, env *upstream.Envelope) ([]byte, error)
	StreamGenerate(ctx context.Context, accessToken string, env *upstream.Envelope) (io.ReadCloser, error)
}

// CooldownRegistry installs quota penalties and serves the admin view.
type CooldownRegistry interface {
	Put(projectID, model string, resetAt time.Time, reason string) []string
	List() []cooldown.Record
	ClearAll() int
}

// CredentialViewer lists pool entries for the redacted admin listing.
type CredentialViewer interface {
	Creds() []*credential.Credential
	View(*credential.Credential) credential.Credential
}

// Options configures the HTTP surface.
type Options struct {
	// MaxRequestBytes caps request bodies.
	MaxRequestBytes int64
	// RetryMaxAttempts caps upstream generate attempts per client request.
	RetryMaxAttempts int
	// APIKey, when set, is required on /v1/* requests.
	APIKey string
	// PanelUser and PanelPassword guard /admin/*; both must be set for the
	// admin routes to exist at all.
	PanelUser     string
	PanelPassword string
}

func (o *Options) defaults() {
	if o.MaxRequestBytes <= 0 {
		o.MaxRequestBytes = 50 * 1024 * 1024
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = 3
	}
}

// Dependencies are the wired components the handler drives.
type Dependencies struct {
	Translator  *translate.Translator
	Streams     *stream.Streamer
	Picker      CredentialPicker
	Upstream    Generator
	Cooldowns   CooldownRegistry
	Credentials CredentialViewer
}

// Handler serves the client-facing API.
type Handler struct {
	logger log.Logger
	opts   Options
	deps   Dependencies
}

// New returns a handler; register its routes with Register.
func New(logger log.Logger, reg prometheus.Registerer, opts Options, deps Dependencies) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.defaults()
	if reg != nil {
		reg.MustRegister(requestsTotal)
	}
	return &Handler{logger: logger, opts: opts, deps: deps}
}

// Register installs the API routes on mux. Admin routes appear only when
// both panel credentials are configured.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/messages", h.instrument("messages", h.requireKey(h.handleMessages)))
	mux.Handle("/v1/messages/count_tokens", h.instrument("count_tokens", h.requireKey(h.handleCountTokens)))
	mux.Handle("/v1/models", h.instrument("models", h.requireKey(h.handleModels)))
	if h.opts.PanelUser != "" && h.opts.PanelPassword != "" {
		mux.Handle("/admin/cooldowns", h.instrument("admin_cooldowns", h.requireBasic(h.handleCooldowns)))
		mux.Handle("/admin/cooldowns/clear", h.instrument("admin_cooldowns_clear", h.requireBasic(h.handleCooldownsClear)))
		mux.Handle("/admin/credentials", h.instrument("admin_credentials", h.requireBasic(h.handleCredentials)))
	}
}

// instrument wraps a handler with panic recovery, the request counter, and
// debug request logging.
func (h *Handler) instrument(name string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()
		defer func() {
			if rec := recover(); rec != nil {
				_ = level.Error(h.logger).Log("msg", "handler panicked", "handler", name, "panic", rec, "stack", string(debug.Stack()))
				if sw.code == 0 {
					h.writeError(sw, http.StatusInternalServerError, "api_error", "internal error")
				}
			}
			requestsTotal.WithLabelValues(name, strconv.Itoa(sw.status())).Inc()
			_ = level.Debug(h.logger).Log("msg", "request handled", "handler", name, "method", r.Method, "code", sw.status(), "duration", time.Since(start))
		}()
		next(sw, r)
	})
}

// requireKey enforces the API key on client routes when one is configured.
// The key travels as x-api-key or as a bearer token.
func (h *Handler) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.opts.APIKey == "" {
			next(w, r)
			return
		}
		key := r.Header.Get("x-api-key")
		if key == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.opts.APIKey)) != 1 {
			h.writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid api key")
			return
		}
		next(w, r)
	}
}

func (h *Handler) requireBasic(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.opts.PanelUser)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.opts.PanelPassword)) == 1
		if !ok || !userOK || !passOK {
			w.Header().Set("WWW-Authenticate", `Basic realm="antigravity-gateway admin"`)
			h.writeError(w, http.StatusUnauthorized, "authentication_error", "admin credentials required")
			return
		}
		next(w, r)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		_ = level.Warn(h.logger).Log("msg", "writing response failed", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, errType, msg string) {
	h.writeJSON(w, code, api.ErrorResponse{Type: "error", Error: api.ErrorDetail{Type: errType, Message: msg}})
}

// writeUpstreamError maps a selection-loop failure to the client-facing
// status and error type.
func (h *Handler) writeUpstreamError(w http.ResponseWriter, err error) {
	switch upstream.KindOf(err) {
	case upstream.KindTranslationInput:
		h.writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case upstream.KindQuotaExhausted:
		h.writeError(w, http.StatusTooManyRequests, "rate_limit_error", err.Error())
	case upstream.KindPoolExhausted:
		h.writeError(w, http.StatusServiceUnavailable, "api_error", err.Error())
	default:
		h.writeError(w, http.StatusBadGateway, "api_error", err.Error())
	}
}

// statusWriter records the response code for logging and metrics. Flush is
// forwarded so SSE responses keep streaming through the wrapper.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
