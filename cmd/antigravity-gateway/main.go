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

// The antigravity-gateway exposes a messages-style completion API backed by a
// pool of Antigravity OAuth credentials. It rotates credentials per request,
// tracks quota cooldowns across restarts, and polls remaining quota in the
// background.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/config"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/cooldown"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/credential"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/gateway"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/quota"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/stream"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/tokens"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/translate"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("antigravity-gateway", "A multi-credential gateway for the Antigravity generative API.")
	a.HelpFlag.Short('h')

	var opts config.Options
	config.SetupFlags(a, &opts)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	if err := opts.Resolve(os.LookupEnv); err != nil {
		_ = level.Error(logger).Log("msg", "invalid command line argument", "err", err)
		os.Exit(1)
	}
	secrets := config.ReadSecrets(os.LookupEnv)

	_ = level.Info(logger).Log("msg", "Starting antigravity-gateway", "version", version.Info(), "build_context", version.BuildContext())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		versioncollector.NewCollector("antigravity_gateway"),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := upstream.New(log.With(logger, "component", "upstream"), reg, upstream.Options{
		BaseURL:          opts.APIBaseURL,
		StreamURL:        opts.APIStreamURL,
		GenerateURL:      opts.APIGenerateURL,
		ModelsURL:        opts.APIModelsURL,
		UserAgent:        opts.UserAgent,
		Timeout:          opts.Timeout,
		ProxyURL:         opts.ProxyURL,
		RetryStatusCodes: opts.RetryStatusCodes,
	})
	if err != nil {
		_ = level.Error(logger).Log("msg", "Creating upstream client failed", "err", err)
		os.Exit(1)
	}

	store := credential.NewStore(log.With(logger, "component", "credentials"), reg, credential.Options{
		Path:               opts.CredentialsFile,
		ClientID:           opts.OAuthClientID,
		ClientSecret:       opts.OAuthClientSecret,
		AllowRandomProject: opts.AllowRandomProject,
	}, client)

	cooldowns := cooldown.NewRegistry(log.With(logger, "component", "cooldowns"), reg, opts.CooldownsFile)

	monitor := quota.NewMonitor(log.With(logger, "component", "quota"), reg, store, client, quota.Options{
		Interval:         opts.QuotaInterval,
		RecheckAfter:     opts.QuotaRecheckIdleAfter,
		DisableThreshold: opts.QuotaDisableThreshold,
	})
	// Group fan-out consults live quota; usage marks keep idle credentials
	// from being re-checked too eagerly. Both cross-references are attached
	// after construction to keep the constructors acyclic.
	cooldowns.SetQuotaSource(monitor)

	selector := credential.NewSelector(log.With(logger, "component", "selector"), store, cooldowns, tokens.NewLedger(), opts.MaxUsagePerHour)
	selector.OnSelected(monitor.MarkUsed)

	n, err := store.Load()
	if err != nil {
		_ = level.Error(logger).Log("msg", "Loading credential pool failed", "path", opts.CredentialsFile, "err", err)
		os.Exit(1)
	}
	_ = level.Info(logger).Log("msg", "credential pool loaded", "path", opts.CredentialsFile, "credentials", n)

	sigs := translate.NewCache()
	translator := translate.New(log.With(logger, "component", "translate"), translate.Options{
		UserAgent:          opts.UserAgent,
		SystemInstruction:  opts.SystemInstruction,
		MaxImages:          opts.MaxImages,
		DefaultTemperature: opts.Temperature,
		DefaultTopP:        opts.TopP,
		DefaultTopK:        opts.TopK,
		DefaultMaxTokens:   opts.MaxTokens,
	}, sigs)
	streamer := stream.NewStreamer(log.With(logger, "component", "stream"), sigs, reg)

	handler := gateway.New(log.With(logger, "component", "gateway"), reg, gateway.Options{
		MaxRequestBytes:  opts.MaxRequestBytes,
		RetryMaxAttempts: opts.RetryMaxAttempts,
		APIKey:           secrets.APIKey,
		PanelUser:        secrets.PanelUser,
		PanelPassword:    secrets.PanelPassword,
	}, gateway.Dependencies{
		Translator:  translator,
		Streams:     streamer,
		Picker:      selector,
		Upstream:    client,
		Cooldowns:   cooldowns,
		Credentials: store,
	})

	if secrets.APIKey == "" {
		_ = level.Warn(logger).Log("msg", "API_KEY is not set, client routes are unauthenticated")
	}
	if !secrets.AdminConfigured() {
		_ = level.Info(logger).Log("msg", "PANEL_USER/PANEL_PASSWORD not set, admin routes are disabled")
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/-/healthy", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "antigravity-gateway is Healthy.\n")
	})
	mux.HandleFunc("/-/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "antigravity-gateway is Ready.\n")
	})

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Quota monitor.
		ctxQuota, cancelQuota := context.WithCancel(context.Background())
		g.Add(func() error {
			return monitor.Run(ctxQuota)
		}, func(error) {
			cancelQuota()
		})
	}
	{
		// Web server.
		server := &http.Server{Addr: opts.ListenAddress, Handler: mux}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "Starting web server", "listen", opts.ListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctxServer, cancelServer := context.WithTimeout(context.Background(), time.Minute)
			defer cancelServer()
			if err := server.Shutdown(ctxServer); err != nil {
				_ = level.Error(logger).Log("msg", "Server failed to shut down gracefully.", "err", err)
			}
			cooldowns.Close()
		})
	}
	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "running antigravity-gateway failed", "err", err)
		os.Exit(1)
	}
}
