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

// Package quota polls remaining model quota for every pooled credential and
// flips per-model availability: models at or below the disable threshold are
// switched off on the credential, models back above it are switched on
// again. The cached fractions also feed cooldown group fan-out decisions.
package quota

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/credential"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

var (
	quotaSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_quota_sweeps_total",
		Help: "Quota sweeps started.",
	})
	quotaChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_quota_checks_total",
		Help: "Per-credential quota checks by result.",
	}, []string{"result"})
	modelsDisabledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_quota_models_disabled_total",
		Help: "Models disabled on a credential for low remaining quota.",
	})
	modelsReenabledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_quota_models_reenabled_total",
		Help: "Models re-enabled on a credential after quota recovery.",
	})
)

// ModelFetcher retrieves the remaining quota per model for a credential.
// *upstream.Client implements it.
type ModelFetcher interface {
	FetchModels(ctx context.Context, accessToken, projectID string) ([]upstream.ModelQuota, error)
}

// Options tune the monitor cadence and thresholds.
type Options struct {
	// Interval between sweeps. The first sweep runs immediately.
	Interval time.Duration
	// UnusedAfter and RecheckAfter bound the skip rule: a credential is
	// skipped only when it was not used within UnusedAfter and its last
	// check is younger than RecheckAfter.
	UnusedAfter  time.Duration
	RecheckAfter time.Duration
	// DisableThreshold is the remaining fraction at or below which a model
	// is disabled for the credential.
	DisableThreshold float64
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Minute
	}
	if o.UnusedAfter <= 0 {
		o.UnusedAfter = 30 * time.Minute
	}
	if o.RecheckAfter <= 0 {
		o.RecheckAfter = 5 * time.Hour
	}
	if o.DisableThreshold <= 0 {
		o.DisableThreshold = 0.05
	}
}

type entry struct {
	remaining   map[string]float64
	lastUsed    time.Time
	lastChecked time.Time
}

// Monitor runs the periodic quota sweep. Cache entries are keyed by project
// id once it is known, by refresh token before that, with a one-time
// migration between the two.
type Monitor struct {
	logger log.Logger
	opts   Options
	store  *credential.Store
	fetch  ModelFetcher
	now    func() time.Time

	checking atomic.Bool
	wg       sync.WaitGroup

	mtx   sync.Mutex
	cache map[string]*entry
}

func NewMonitor(logger log.Logger, reg prometheus.Registerer, store *credential.Store, fetch ModelFetcher, opts Options) *Monitor {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(quotaSweepsTotal, quotaChecksTotal, modelsDisabledTotal, modelsReenabledTotal)
	}
	opts.defaults()
	return &Monitor{
		logger: logger,
		opts:   opts,
		store:  store,
		fetch:  fetch,
		now:    time.Now,
		cache:  map[string]*entry{},
	}
}

// Run sweeps immediately and then on every interval tick until the context
// is cancelled. It always returns nil after draining an in-flight sweep.
func (m *Monitor) Run(ctx context.Context) error {
	m.startSweep(ctx)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return nil
		case <-ticker.C:
			m.startSweep(ctx)
		}
	}
}

// startSweep launches one sweep unless the previous one is still running, in
// which case the tick is dropped.
func (m *Monitor) startSweep(ctx context.Context) {
	if !m.checking.CompareAndSwap(false, true) {
		_ = level.Warn(m.logger).Log("msg", "previous quota sweep still running, skipping tick")
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.checking.Store(false)
		m.sweep(ctx)
	}()
}

func (m *Monitor) sweep(ctx context.Context) {
	quotaSweepsTotal.Inc()
	for _, c := range m.store.Creds() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.checkCredential(ctx, c)
	}
}

func (m *Monitor) checkCredential(ctx context.Context, c *credential.Credential) {
	view := m.store.View(c)
	key := cacheKey(view)

	m.mtx.Lock()
	if view.ProjectID != "" && view.ProjectID != view.RefreshToken {
		// Migrate usage recorded before the project id was known.
		if e, ok := m.cache[view.RefreshToken]; ok {
			delete(m.cache, view.RefreshToken)
			if _, exists := m.cache[view.ProjectID]; !exists {
				m.cache[view.ProjectID] = e
			}
		}
	}
	var lastUsed, lastChecked time.Time
	if e, ok := m.cache[key]; ok {
		lastUsed, lastChecked = e.lastUsed, e.lastChecked
	}
	m.mtx.Unlock()

	now := m.now()
	if now.Sub(lastUsed) > m.opts.UnusedAfter && now.Sub(lastChecked) < m.opts.RecheckAfter {
		_ = level.Debug(m.logger).Log("msg", "skipping idle credential", "key", key)
		return
	}

	if err := m.store.EnsureFresh(ctx, c); err != nil {
		quotaChecksTotal.WithLabelValues("error").Inc()
		_ = level.Warn(m.logger).Log("msg", "quota check token refresh failed", "key", key, "err", err)
		return
	}
	view = m.store.View(c)

	quotas, err := m.fetch.FetchModels(ctx, view.AccessToken, view.ProjectID)
	if err != nil {
		quotaChecksTotal.WithLabelValues("error").Inc()
		_ = level.Warn(m.logger).Log("msg", "quota fetch failed", "key", key, "err", err)
		return
	}

	remaining := make(map[string]float64, len(quotas))
	for _, q := range quotas {
		remaining[q.Name] = q.Remaining
	}

	m.mtx.Lock()
	e, ok := m.cache[key]
	if !ok {
		e = &entry{}
		m.cache[key] = e
	}
	e.remaining = remaining
	e.lastChecked = now
	m.mtx.Unlock()

	for name, frac := range remaining {
		if frac <= m.opts.DisableThreshold {
			if m.store.DisableModel(c, name) {
				modelsDisabledTotal.Inc()
				_ = level.Warn(m.logger).Log("msg", "model disabled, quota low", "key", key, "model", name, "remaining", frac)
			}
		} else if m.store.EnableModel(c, name) {
			modelsReenabledTotal.Inc()
			_ = level.Info(m.logger).Log("msg", "model re-enabled, quota recovered", "key", key, "model", name, "remaining", frac)
		}
	}
	quotaChecksTotal.WithLabelValues("ok").Inc()
}

// MarkUsed records that the project was just selected, which keeps its
// credential in the sweep rotation.
func (m *Monitor) MarkUsed(projectID string) {
	if projectID == "" {
		return
	}
	m.mtx.Lock()
	e, ok := m.cache[projectID]
	if !ok {
		e = &entry{}
		m.cache[projectID] = e
	}
	e.lastUsed = m.now()
	m.mtx.Unlock()
}

// Remaining returns the last fetched remaining fractions for the project. It
// implements the cooldown registry's quota view.
func (m *Monitor) Remaining(projectID string) (map[string]float64, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	e, ok := m.cache[projectID]
	if !ok || e.remaining == nil {
		return nil, false
	}
	out := make(map[string]float64, len(e.remaining))
	for k, v := range e.remaining {
		out[k] = v
	}
	return out, true
}

func cacheKey(view credential.Credential) string {
	if view.ProjectID != "" {
		return view.ProjectID
	}
	return view.RefreshToken
}
