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

// Package cooldown tracks quota penalties per project and model pair. A
// cooldown suppresses selection of the pair until its reset time; entries are
// evicted by a timer or lazily on lookup, and every mutation is mirrored to a
// JSON state file so penalties survive restarts.
package cooldown

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/models"
)

// groupExhaustionThreshold is the average remaining fraction at or below
// which a whole quota-sharing group is cooled together.
const groupExhaustionThreshold = 0.01

var (
	cooldownsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cooldowns_active",
		Help: "Cooldowns currently installed.",
	})
	cooldownsInstalled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cooldowns_installed_total",
		Help: "Cooldown installations by reason.",
	}, []string{"reason"})
)

// Record is one installed cooldown.
type Record struct {
	ProjectID string
	Model     string
	ResetAt   time.Time
	CreatedAt time.Time
	Reason    string
}

type record struct {
	Record
	timer *time.Timer
}

// QuotaSource exposes the latest known remaining quota fractions per model
// for a project. The quota monitor implements it; it is attached after
// construction.
type QuotaSource interface {
	Remaining(projectID string) (map[string]float64, bool)
}

// Registry holds active cooldowns keyed by "project:model".
type Registry struct {
	logger log.Logger
	path   string
	now    func() time.Time

	mtx     sync.Mutex
	records map[string]*record
	quota   QuotaSource
	closed  bool
}

type stateFile struct {
	Cooldowns []stateRecord `json:"cooldowns"`
}

// stateRecord is the persisted form; timestamps are epoch milliseconds.
type stateRecord struct {
	ProjectID      string `json:"projectId"`
	Model          string `json:"model"`
	ResetTimestamp int64  `json:"resetTimestamp"`
	CreatedAt      int64  `json:"createdAt"`
	Reason         string `json:"reason,omitempty"`
}

// NewRegistry loads the state file, dropping entries whose reset time has
// passed, and rewrites it compacted when anything was dropped.
func NewRegistry(logger log.Logger, reg prometheus.Registerer, path string) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(cooldownsActive, cooldownsInstalled)
	}
	r := &Registry{
		logger:  logger,
		path:    path,
		now:     time.Now,
		records: map[string]*record{},
	}
	r.load()
	return r
}

// SetQuotaSource attaches the live quota view used for group fan-out.
func (r *Registry) SetQuotaSource(q QuotaSource) {
	r.mtx.Lock()
	r.quota = q
	r.mtx.Unlock()
}

func (r *Registry) load() {
	b, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		_ = level.Warn(r.logger).Log("msg", "reading cooldown state failed, starting empty", "path", r.path, "err", err)
		return
	}
	var state stateFile
	if err := json.Unmarshal(b, &state); err != nil {
		_ = level.Warn(r.logger).Log("msg", "parsing cooldown state failed, starting empty", "path", r.path, "err", err)
		return
	}

	r.mtx.Lock()
	now := r.now()
	dropped := 0
	for _, sr := range state.Cooldowns {
		resetAt := time.UnixMilli(sr.ResetTimestamp)
		if !resetAt.After(now) {
			dropped++
			continue
		}
		r.installLocked(Record{
			ProjectID: sr.ProjectID,
			Model:     sr.Model,
			ResetAt:   resetAt,
			CreatedAt: time.UnixMilli(sr.CreatedAt),
			Reason:    sr.Reason,
		})
	}
	var perr error
	if dropped > 0 {
		perr = r.persistLocked()
	}
	n := len(r.records)
	r.mtx.Unlock()

	cooldownsActive.Set(float64(n))
	if perr != nil {
		_ = level.Warn(r.logger).Log("msg", "compacting cooldown state failed", "err", perr)
	}
	_ = level.Info(r.logger).Log("msg", "cooldown state loaded", "active", n, "expired", dropped)
}

// Put installs a cooldown for the project and model until resetAt. When the
// model belongs to a quota-sharing group and the live quota view shows the
// group averaging at or below the exhaustion threshold, every member of the
// group is cooled with the same reset. It returns the models cooled.
func (r *Registry) Put(projectID, model string, resetAt time.Time, reason string) []string {
	r.mtx.Lock()
	targets := []string{model}
	if name, members, ok := models.GroupOf(model); ok && r.quota != nil {
		if remaining, haveQuota := r.quota.Remaining(projectID); haveQuota {
			if avg, n := groupAverage(remaining, members); n > 0 && avg <= groupExhaustionThreshold {
				targets = members
				_ = level.Info(r.logger).Log("msg", "quota group exhausted, cooling all members", "group", name, "project", projectID, "avg_remaining", avg)
			}
		}
	}
	created := r.now()
	for _, m := range targets {
		r.installLocked(Record{
			ProjectID: projectID,
			Model:     m,
			ResetAt:   resetAt,
			CreatedAt: created,
			Reason:    reason,
		})
		cooldownsInstalled.WithLabelValues(reason).Inc()
	}
	perr := r.persistLocked()
	n := len(r.records)
	r.mtx.Unlock()

	cooldownsActive.Set(float64(n))
	if perr != nil {
		_ = level.Warn(r.logger).Log("msg", "persisting cooldown state failed", "err", perr)
	}
	_ = level.Info(r.logger).Log("msg", "cooldown installed", "project", projectID, "models", len(targets), "until", resetAt, "reason", reason)
	return targets
}

// installLocked replaces any existing record for the pair and schedules its
// expiry timer. Callers must hold r.mtx.
func (r *Registry) installLocked(rec Record) {
	key := rec.ProjectID + ":" + rec.Model
	if old, ok := r.records[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	nr := &record{Record: rec}
	if !r.closed {
		nr.timer = time.AfterFunc(rec.ResetAt.Sub(r.now()), func() {
			r.expire(key, nr)
		})
	}
	r.records[key] = nr
}

func (r *Registry) expire(key string, rec *record) {
	r.mtx.Lock()
	cur, ok := r.records[key]
	if !ok || cur != rec {
		r.mtx.Unlock()
		return
	}
	delete(r.records, key)
	perr := r.persistLocked()
	n := len(r.records)
	r.mtx.Unlock()

	cooldownsActive.Set(float64(n))
	if perr != nil {
		_ = level.Warn(r.logger).Log("msg", "persisting cooldown state failed", "err", perr)
	}
	_ = level.Debug(r.logger).Log("msg", "cooldown expired", "project", rec.ProjectID, "model", rec.Model)
}

// IsOn reports whether the pair is cooling down. Entries past their reset
// time are evicted on the spot in case the timer has not fired yet.
func (r *Registry) IsOn(projectID, model string) bool {
	key := projectID + ":" + model
	r.mtx.Lock()
	rec, ok := r.records[key]
	if !ok {
		r.mtx.Unlock()
		return false
	}
	if !r.now().Before(rec.ResetAt) {
		if rec.timer != nil {
			rec.timer.Stop()
		}
		delete(r.records, key)
		perr := r.persistLocked()
		n := len(r.records)
		r.mtx.Unlock()
		cooldownsActive.Set(float64(n))
		if perr != nil {
			_ = level.Warn(r.logger).Log("msg", "persisting cooldown state failed", "err", perr)
		}
		return false
	}
	r.mtx.Unlock()
	return true
}

// List returns all active records ordered by project then model.
func (r *Registry) List() []Record {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.Record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// ListForProject returns the active records for one project.
func (r *Registry) ListForProject(projectID string) []Record {
	var out []Record
	for _, rec := range r.List() {
		if rec.ProjectID == projectID {
			out = append(out, rec)
		}
	}
	return out
}

// Remove deletes the cooldown for the pair, reporting whether one existed.
func (r *Registry) Remove(projectID, model string) bool {
	key := projectID + ":" + model
	r.mtx.Lock()
	rec, ok := r.records[key]
	if !ok {
		r.mtx.Unlock()
		return false
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
	delete(r.records, key)
	perr := r.persistLocked()
	n := len(r.records)
	r.mtx.Unlock()

	cooldownsActive.Set(float64(n))
	if perr != nil {
		_ = level.Warn(r.logger).Log("msg", "persisting cooldown state failed", "err", perr)
	}
	return true
}

// ClearAll removes every cooldown and returns how many were dropped.
func (r *Registry) ClearAll() int {
	r.mtx.Lock()
	n := len(r.records)
	for _, rec := range r.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
	r.records = map[string]*record{}
	perr := r.persistLocked()
	r.mtx.Unlock()

	cooldownsActive.Set(0)
	if perr != nil {
		_ = level.Warn(r.logger).Log("msg", "persisting cooldown state failed", "err", perr)
	}
	_ = level.Info(r.logger).Log("msg", "cooldowns cleared", "count", n)
	return n
}

// Close stops all expiry timers. The registry stays readable but no new
// timers are scheduled.
func (r *Registry) Close() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.closed = true
	for _, rec := range r.records {
		if rec.timer != nil {
			rec.timer.Stop()
		}
	}
}

// persistLocked rewrites the state file. Callers must hold r.mtx.
func (r *Registry) persistLocked() error {
	state := stateFile{Cooldowns: make([]stateRecord, 0, len(r.records))}
	for _, rec := range r.records {
		state.Cooldowns = append(state.Cooldowns, stateRecord{
			ProjectID:      rec.ProjectID,
			Model:          rec.Model,
			ResetTimestamp: rec.ResetAt.UnixMilli(),
			CreatedAt:      rec.CreatedAt.UnixMilli(),
			Reason:         rec.Reason,
		})
	}
	sort.Slice(state.Cooldowns, func(i, j int) bool {
		if state.Cooldowns[i].ProjectID != state.Cooldowns[j].ProjectID {
			return state.Cooldowns[i].ProjectID < state.Cooldowns[j].ProjectID
		}
		return state.Cooldowns[i].Model < state.Cooldowns[j].Model
	})
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode cooldown state")
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errors.Wrap(err, "write cooldown state")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return errors.Wrap(err, "replace cooldown state")
	}
	return nil
}

func groupAverage(remaining map[string]float64, members []string) (float64, int) {
	var sum float64
	n := 0
	for _, m := range members {
		if v, ok := remaining[m]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sum / float64(n), n
}
