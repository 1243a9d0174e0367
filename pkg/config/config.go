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

// Package config declares the gateway's flag surface with environment
// variable overrides, and the secrets that are read from the environment
// only.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
)

// Options is the full flag-configurable surface. Call SetupFlags before
// parsing and Resolve afterwards; the parsed accessor fields (Temperature,
// TopP, TopK, RetryStatusCodes) are only valid once Resolve returned nil.
type Options struct {
	ListenAddress   string
	MaxRequestBytes int64

	APIBaseURL          string
	APIStreamURL        string
	APIGenerateURL      string
	APIModelsURL        string
	UserAgent           string
	Timeout             time.Duration
	ProxyURL            string
	RetryStatusCodesCSV string
	RetryMaxAttempts    int

	rawTemperature string
	rawTopP        string
	rawTopK        string

	MaxTokens         int
	SystemInstruction string
	MaxImages         int
	// ImageBaseURL is reserved for deployments that rehost inline images;
	// the gateway itself only forwards base64 sources.
	ImageBaseURL string

	CredentialsFile    string
	MaxUsagePerHour    int
	AllowRandomProject bool
	CooldownsFile      string

	OAuthClientID     string
	OAuthClientSecret string

	QuotaInterval         time.Duration
	QuotaRecheckIdleAfter time.Duration
	QuotaDisableThreshold float64

	// Populated by Resolve.
	Temperature      *float64
	TopP             *float64
	TopK             *int
	RetryStatusCodes []int
}

// SetupFlags registers all gateway flags on the application.
func SetupFlags(a *kingpin.Application, opts *Options) {
	a.Flag("web.listen-address", "Address the gateway listens on. May also be set through the HOST and PORT environment variables.").
		Default(":8085").StringVar(&opts.ListenAddress)
	a.Flag("web.max-request-bytes", "Maximum accepted request body size in bytes.").
		Default("52428800").OverrideDefaultFromEnvar("MAX_REQUEST_SIZE").Int64Var(&opts.MaxRequestBytes)

	a.Flag("api.base-url", "Upstream origin, without the /v1internal suffix.").
		Default("https://cloudcode-pa.googleapis.com").OverrideDefaultFromEnvar("API_HOST").StringVar(&opts.APIBaseURL)
	a.Flag("api.stream-url", "Full streaming generate endpoint; overrides the one derived from api.base-url.").
		Default("").OverrideDefaultFromEnvar("API_URL").StringVar(&opts.APIStreamURL)
	a.Flag("api.generate-url", "Full non-stream generate endpoint; overrides the one derived from api.base-url.").
		Default("").OverrideDefaultFromEnvar("API_NO_STREAM_URL").StringVar(&opts.APIGenerateURL)
	a.Flag("api.models-url", "Full model listing endpoint; overrides the one derived from api.base-url.").
		Default("").OverrideDefaultFromEnvar("API_MODELS_URL").StringVar(&opts.APIModelsURL)
	a.Flag("api.user-agent", "User-Agent header sent upstream.").
		Default("antigravity/1.11.3").OverrideDefaultFromEnvar("API_USER_AGENT").StringVar(&opts.UserAgent)
	a.Flag("api.timeout", "Timeout for every upstream call, streaming included.").
		Default("180s").OverrideDefaultFromEnvar("TIMEOUT").DurationVar(&opts.Timeout)
	a.Flag("api.proxy-url", "Outbound proxy for upstream traffic; http(s) and socks5 schemes.").
		Default("").OverrideDefaultFromEnvar("PROXY").StringVar(&opts.ProxyURL)
	a.Flag("api.retry-status-codes", "Comma-separated upstream status codes treated as transient.").
		Default("408,429,500,502,503,504").OverrideDefaultFromEnvar("RETRY_STATUS_CODES").StringVar(&opts.RetryStatusCodesCSV)
	a.Flag("api.retry-max-attempts", "Maximum credentials tried per request.").
		Default("3").OverrideDefaultFromEnvar("RETRY_MAX_ATTEMPTS").IntVar(&opts.RetryMaxAttempts)

	a.Flag("generation.temperature", "Default sampling temperature when the client omits one. Empty leaves it unset.").
		Default("").OverrideDefaultFromEnvar("DEFAULT_TEMPERATURE").StringVar(&opts.rawTemperature)
	a.Flag("generation.top-p", "Default nucleus sampling parameter when the client omits one. Empty leaves it unset.").
		Default("").OverrideDefaultFromEnvar("DEFAULT_TOP_P").StringVar(&opts.rawTopP)
	a.Flag("generation.top-k", "Default top-k sampling parameter when the client omits one. Empty leaves it unset.").
		Default("").OverrideDefaultFromEnvar("DEFAULT_TOP_K").StringVar(&opts.rawTopK)
	a.Flag("generation.max-tokens", "Default output token cap when the client omits max_tokens.").
		Default("64000").OverrideDefaultFromEnvar("DEFAULT_MAX_TOKENS").IntVar(&opts.MaxTokens)
	a.Flag("generation.system-instruction", "System prompt used when the client sends none.").
		Default("You are a helpful assistant.").OverrideDefaultFromEnvar("SYSTEM_INSTRUCTION").StringVar(&opts.SystemInstruction)
	a.Flag("generation.max-images", "Maximum inline images accepted per request.").
		Default("8").OverrideDefaultFromEnvar("MAX_IMAGES").IntVar(&opts.MaxImages)
	a.Flag("generation.image-base-url", "Base URL for rehosted images. Unused unless a rehosting frontend is deployed.").
		Default("").OverrideDefaultFromEnvar("IMAGE_BASE_URL").StringVar(&opts.ImageBaseURL)

	a.Flag("credentials.file", "Path of the credential pool file.").
		Default("credentials.json").OverrideDefaultFromEnvar("CREDENTIALS_FILE").StringVar(&opts.CredentialsFile)
	a.Flag("credentials.max-usage-per-hour", "Selections allowed per credential in any rolling hour. Zero disables the cap.").
		Default("20").OverrideDefaultFromEnvar("CREDENTIAL_MAX_USAGE_PER_HOUR").IntVar(&opts.MaxUsagePerHour)
	a.Flag("credentials.allow-random-project", "Assign a placeholder project id instead of running project discovery.").
		Default("false").OverrideDefaultFromEnvar("ALLOW_RANDOM_PROJECT").BoolVar(&opts.AllowRandomProject)
	a.Flag("cooldowns.file", "Path of the cooldown state file.").
		Default("cooldowns.json").OverrideDefaultFromEnvar("COOLDOWNS_FILE").StringVar(&opts.CooldownsFile)

	a.Flag("auth.client-id", "OAuth client id used for token refresh.").
		Default("").OverrideDefaultFromEnvar("OAUTH_CLIENT_ID").StringVar(&opts.OAuthClientID)
	a.Flag("auth.client-secret", "OAuth client secret used for token refresh.").
		Default("").OverrideDefaultFromEnvar("OAUTH_CLIENT_SECRET").StringVar(&opts.OAuthClientSecret)

	a.Flag("quota.check-interval", "Interval between quota sweeps.").
		Default("30m").DurationVar(&opts.QuotaInterval)
	a.Flag("quota.recheck-idle-after", "Re-check idle credentials after this long even without traffic.").
		Default("5h").DurationVar(&opts.QuotaRecheckIdleAfter)
	a.Flag("quota.disable-threshold", "Remaining-quota fraction at or below which a model is disabled for a credential.").
		Default("0.05").Float64Var(&opts.QuotaDisableThreshold)
}

// Resolve applies the HOST/PORT environment override and parses the raw
// string flags into their typed fields. lookup is os.LookupEnv outside
// tests.
func (o *Options) Resolve(lookup func(string) (string, bool)) error {
	o.ListenAddress = listenFromEnv(o.ListenAddress, lookup)

	if o.OAuthClientID == "" || o.OAuthClientSecret == "" {
		return errors.New("auth.client-id and auth.client-secret must be set (flags or OAUTH_CLIENT_ID/OAUTH_CLIENT_SECRET)")
	}
	if o.RetryMaxAttempts < 1 {
		return errors.New("api.retry-max-attempts must be at least 1")
	}
	if o.QuotaDisableThreshold < 0 || o.QuotaDisableThreshold > 1 {
		return errors.New("quota.disable-threshold must be within [0, 1]")
	}

	var err error
	if o.Temperature, err = parseOptionalFloat(o.rawTemperature); err != nil {
		return errors.Wrap(err, "generation.temperature")
	}
	if o.TopP, err = parseOptionalFloat(o.rawTopP); err != nil {
		return errors.Wrap(err, "generation.top-p")
	}
	if o.TopK, err = parseOptionalInt(o.rawTopK); err != nil {
		return errors.Wrap(err, "generation.top-k")
	}
	if o.RetryStatusCodes, err = parseStatusCodes(o.RetryStatusCodesCSV); err != nil {
		return errors.Wrap(err, "api.retry-status-codes")
	}
	return nil
}

// listenFromEnv merges HOST and PORT into the listen address, keeping the
// flag-provided half for whichever variable is absent.
func listenFromEnv(current string, lookup func(string) (string, bool)) string {
	host, hasHost := lookup("HOST")
	port, hasPort := lookup("PORT")
	if !hasHost && !hasPort {
		return current
	}
	curHost, curPort, err := net.SplitHostPort(current)
	if err != nil {
		curHost, curPort = "", "8085"
	}
	if !hasHost {
		host = curHost
	}
	if !hasPort {
		port = curPort
	}
	return net.JoinHostPort(host, port)
}

func parseOptionalFloat(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, errors.Errorf("invalid number %q", raw)
	}
	return &v, nil
}

func parseOptionalInt(raw string) (*int, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.Errorf("invalid integer %q", raw)
	}
	return &v, nil
}

func parseStatusCodes(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	codes := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		code, err := strconv.Atoi(p)
		if err != nil || code < 100 || code > 599 {
			return nil, errors.Errorf("invalid status code %q", p)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Secrets are only ever read from the environment so they cannot leak
// through flag listings or process tables.
type Secrets struct {
	PanelUser     string
	PanelPassword string
	APIKey        string
}

// ReadSecrets pulls the secret values from the environment. lookup is
// os.LookupEnv outside tests.
func ReadSecrets(lookup func(string) (string, bool)) Secrets {
	get := func(k string) string {
		v, _ := lookup(k)
		return v
	}
	return Secrets{
		PanelUser:     get("PANEL_USER"),
		PanelPassword: get("PANEL_PASSWORD"),
		APIKey:        get("API_KEY"),
	}
}

// AdminConfigured reports whether the admin panel credentials are present.
func (s Secrets) AdminConfigured() bool {
	return s.PanelUser != "" && s.PanelPassword != ""
}
