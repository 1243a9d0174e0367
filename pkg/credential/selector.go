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

package credential

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

// CooldownChecker reports whether a project and model pair is cooling down.
type CooldownChecker interface {
	IsOn(projectID, model string) bool
}

// UsageLedger records selections per project and counts them for the hourly
// cap.
type UsageLedger interface {
	Record(projectID string)
	CountSince(projectID string, since time.Time) int
}

// Selector picks credentials round-robin, skipping entries whose model is
// disabled, whose project is cooling down, or which hit the hourly cap.
// Token refresh and project discovery happen lazily during selection, so a
// slow credential does not block picks of the others.
type Selector struct {
	logger    log.Logger
	store     *Store
	cooldowns CooldownChecker
	ledger    UsageLedger
	// limit is the maximum number of selections per project per hour.
	// Zero or negative disables the cap.
	limit int
	now   func() time.Time

	mtx          sync.Mutex
	currentIndex int
	used         func(projectID string)
}

// NewSelector wires a selector over the store. The quota monitor's usage
// callback is attached later via OnSelected.
func NewSelector(logger log.Logger, store *Store, cooldowns CooldownChecker, ledger UsageLedger, hourlyLimit int) *Selector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Selector{
		logger:    logger,
		store:     store,
		cooldowns: cooldowns,
		ledger:    ledger,
		limit:     hourlyLimit,
		now:       time.Now,
	}
}

// OnSelected registers a callback invoked with the project id of every
// successful pick.
func (s *Selector) OnSelected(fn func(projectID string)) {
	s.mtx.Lock()
	s.used = fn
	s.mtx.Unlock()
}

// Pick returns the next usable credential for the model. It tries at most
// pool-size candidates; when none qualifies the returned error carries
// KindPoolExhausted.
func (s *Selector) Pick(ctx context.Context, model string) (Selected, error) {
	attempts := s.store.Len()
	for i := 0; i < attempts; i++ {
		cred := s.store.credAt(s.advance())
		if cred == nil {
			break
		}
		if s.store.isModelDisabled(cred, model) {
			continue
		}
		if s.store.needsRefresh(cred) {
			if err := s.store.Refresh(ctx, cred); err != nil {
				if upstream.KindOf(err) == upstream.KindAuthDead {
					s.store.Disable(cred, "refresh token rejected")
				} else {
					_ = level.Warn(s.logger).Log("msg", "token refresh failed, trying next credential", "err", err)
				}
				continue
			}
		}
		projectID := s.store.projectOf(cred)
		if projectID == "" {
			id, err := s.store.FetchProjectID(ctx, cred)
			if err != nil {
				if upstream.KindOf(err) == upstream.KindAuthDead {
					s.store.Disable(cred, "project discovery rejected")
				} else {
					_ = level.Warn(s.logger).Log("msg", "project discovery failed, trying next credential", "err", err)
				}
				continue
			}
			projectID = id
		}
		if s.cooldowns != nil && s.cooldowns.IsOn(projectID, model) {
			continue
		}
		if s.limit > 0 && s.ledger != nil && s.ledger.CountSince(projectID, s.now().Add(-time.Hour)) >= s.limit {
			_ = level.Debug(s.logger).Log("msg", "hourly cap reached, trying next credential", "project", projectID, "limit", s.limit)
			continue
		}
		if s.ledger != nil {
			s.ledger.Record(projectID)
		}
		if used := s.usedFn(); used != nil {
			used(projectID)
		}
		return s.store.selected(cred), nil
	}
	return Selected{}, &upstream.Error{
		Kind:   upstream.KindPoolExhausted,
		Op:     "select",
		Reason: "no usable credential for model " + model,
	}
}

func (s *Selector) advance() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	i := s.currentIndex
	s.currentIndex++
	return i
}

func (s *Selector) usedFn() func(string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.used
}
