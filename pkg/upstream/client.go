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

// Package upstream implements the HTTP client for the v1internal generative
// surface: project discovery, model/quota listing, and the generate and
// stream-generate calls, with error classification shared by the selection
// loop.
package upstream

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
	xproxy "golang.org/x/net/proxy"
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_upstream_requests_total",
		Help: "Upstream v1internal requests by operation and response code.",
	},
	[]string{"op", "code"},
)

// Options configures the upstream client. Zero values take the production
// defaults.
type Options struct {
	// BaseURL is the upstream origin, without the /v1internal suffix.
	BaseURL string
	// StreamURL, GenerateURL and ModelsURL override the endpoints derived
	// from BaseURL when set.
	StreamURL   string
	GenerateURL string
	ModelsURL   string
	// UserAgent is sent verbatim on every call.
	UserAgent string
	// Timeout bounds every upstream call, streaming included.
	Timeout time.Duration
	// ProxyURL routes outbound traffic; http(s) and socks5 schemes.
	ProxyURL string
	// RetryStatusCodes classify as transient (retry with next credential).
	RetryStatusCodes []int
}

const (
	defaultBaseURL   = "https://cloudcode-pa.googleapis.com"
	defaultUserAgent = "antigravity/1.11.3"
	defaultTimeout   = 180 * time.Second
)

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = defaultBaseURL
	}
	if o.StreamURL == "" {
		o.StreamURL = o.BaseURL + "/v1internal:streamGenerateContent?alt=sse"
	}
	if o.GenerateURL == "" {
		o.GenerateURL = o.BaseURL + "/v1internal:generateContent"
	}
	if o.ModelsURL == "" {
		o.ModelsURL = o.BaseURL + "/v1internal:fetchAvailableModels"
	}
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}
	if o.RetryStatusCodes == nil {
		o.RetryStatusCodes = []int{408, 429, 500, 502, 503, 504}
	}
}

// Client talks to the v1internal surface with per-call bearer tokens.
type Client struct {
	logger    log.Logger
	opts      Options
	client    *http.Client
	retryable map[int]bool
}

// New returns a client with a pooled transport and optional outbound proxy.
func New(logger log.Logger, reg prometheus.Registerer, opts Options) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.defaults()
	if reg != nil {
		reg.MustRegister(requestsTotal)
	}

	transport := cleanhttp.DefaultPooledTransport()
	if opts.ProxyURL != "" {
		proxyURL, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, errors.Wrap(err, "parsing proxy URL")
		}
		switch proxyURL.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(proxyURL)
		case "socks5", "socks5h":
			dialer, err := xproxy.FromURL(proxyURL, xproxy.Direct)
			if err != nil {
				return nil, errors.Wrap(err, "building SOCKS5 dialer")
			}
			contextDialer, ok := dialer.(xproxy.ContextDialer)
			if !ok {
				return nil, errors.Errorf("SOCKS5 dialer for %q does not support contexts", opts.ProxyURL)
			}
			transport.Proxy = nil
			transport.DialContext = contextDialer.DialContext
		default:
			return nil, errors.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
		}
	}

	retryable := make(map[int]bool, len(opts.RetryStatusCodes))
	for _, code := range opts.RetryStatusCodes {
		retryable[code] = true
	}

	return &Client{
		logger:    logger,
		opts:      opts,
		client:    &http.Client{Transport: transport, Timeout: opts.Timeout},
		retryable: retryable,
	}, nil
}

// LoadProject calls loadCodeAssist and returns the project identifier the
// upstream assigned to the credential, or empty when the account carries
// none.
func (c *Client) LoadProject(ctx context.Context, accessToken string) (string, error) {
	body := []byte(`{"metadata":{"ideType":"ANTIGRAVITY"}}`)
	resp, err := c.do(ctx, "loadCodeAssist", c.opts.BaseURL+"/v1internal:loadCodeAssist", accessToken, body)
	if err != nil {
		return "", err
	}
	defer closeQuietly(c.logger, resp)

	payload, err := c.handle("loadCodeAssist", resp, true)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(payload, "cloudaicompanionProject").String(), nil
}

// FetchModels returns the per-model quota snapshot for the credential.
func (c *Client) FetchModels(ctx context.Context, accessToken, projectID string) ([]ModelQuota, error) {
	body := []byte("{}")
	if projectID != "" {
		var err error
		if body, err = json.Marshal(map[string]string{"project": projectID}); err != nil {
			return nil, err
		}
	}
	resp, err := c.do(ctx, "fetchAvailableModels", c.opts.ModelsURL, accessToken, body)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(c.logger, resp)

	payload, err := c.handle("fetchAvailableModels", resp, false)
	if err != nil {
		return nil, err
	}
	return parseModelQuotas(payload), nil
}

// StreamGenerate issues the SSE generate call and returns the undecoded event
// stream. The caller owns the reader.
func (c *Client) StreamGenerate(ctx context.Context, accessToken string, env *Envelope) (io.ReadCloser, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding stream request")
	}
	resp, err := c.do(ctx, "streamGenerateContent", c.opts.StreamURL, accessToken, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		defer closeQuietly(c.logger, resp)
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, classify("streamGenerateContent", resp.StatusCode, errBody, c.retryable, false)
	}
	return decompressed(resp)
}

// Generate issues the single-shot generate call and returns the response
// payload.
func (c *Client) Generate(ctx context.Context, accessToken string, env *Envelope) ([]byte, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encoding generate request")
	}
	resp, err := c.do(ctx, "generateContent", c.opts.GenerateURL, accessToken, body)
	if err != nil {
		return nil, err
	}
	defer closeQuietly(c.logger, resp)

	return c.handle("generateContent", resp, false)
}

func (c *Client) do(ctx context.Context, op, rawURL, accessToken string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s request", op)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(op, "error").Inc()
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	requestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// handle reads the full response, classifying non-2xx statuses.
func (c *Client) handle(op string, resp *http.Response, authSensitive bool) ([]byte, error) {
	reader, err := decompressed(resp)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	payload, err := io.ReadAll(io.LimitReader(reader, 64<<20))
	if err != nil {
		return nil, &Error{Kind: KindTransient, Op: op, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return nil, classify(op, resp.StatusCode, payload, c.retryable, authSensitive)
	}
	return payload, nil
}

// parseModelQuotas tolerates both response shapes seen in the wild: a models
// array with name fields, or a map keyed by model name.
func parseModelQuotas(payload []byte) []ModelQuota {
	var out []ModelQuota
	modelsField := gjson.GetBytes(payload, "models")
	if modelsField.IsArray() {
		modelsField.ForEach(func(_, m gjson.Result) bool {
			name := m.Get("name").String()
			if name == "" {
				name = m.Get("model").String()
			}
			if name == "" {
				return true
			}
			out = append(out, ModelQuota{
				Name:      name,
				Remaining: m.Get("quotaInfo.remainingFraction").Float(),
				ResetTime: m.Get("quotaInfo.resetTime").String(),
			})
			return true
		})
		return out
	}
	modelsField.ForEach(func(key, m gjson.Result) bool {
		out = append(out, ModelQuota{
			Name:      key.String(),
			Remaining: m.Get("quotaInfo.remainingFraction").Float(),
			ResetTime: m.Get("quotaInfo.resetTime").String(),
		})
		return true
	})
	return out
}

// decompressed unwraps a gzip-labeled body. We ask for gzip explicitly, so
// the transport does not transparently decode it for us.
func decompressed(resp *http.Response) (io.ReadCloser, error) {
	if resp.Header.Get("Content-Encoding") != "gzip" {
		return resp.Body, nil
	}
	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, errors.Wrap(err, "opening gzip body")
	}
	return &gzipBody{gz: gz, underlying: resp.Body}, nil
}

type gzipBody struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.gz.Read(p) }

func (b *gzipBody) Close() error {
	gzErr := b.gz.Close()
	if err := b.underlying.Close(); err != nil {
		return err
	}
	return gzErr
}

func closeQuietly(logger log.Logger, resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
	if err := resp.Body.Close(); err != nil {
		_ = level.Debug(logger).Log("msg", "closing upstream response body", "err", err)
	}
}
