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

package tokens

import (
	"sync"
	"time"
)

// retention bounds how far back the ledger remembers selections. The hourly
// cap only ever asks about the trailing hour.
const retention = time.Hour

// Ledger records successful credential selections per project so the selector
// can enforce the rolling hourly cap. Entries older than the retention window
// are pruned opportunistically on write and read.
type Ledger struct {
	mtx       sync.Mutex
	byProject map[string][]time.Time
	now       func() time.Time
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byProject: map[string][]time.Time{},
		now:       time.Now,
	}
}

// Record notes one selection of the given project at the current time.
func (l *Ledger) Record(projectID string) {
	if projectID == "" {
		return
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()

	now := l.now()
	l.byProject[projectID] = append(prune(l.byProject[projectID], now.Add(-retention)), now)
}

// CountSince returns the number of recorded selections for the project at or
// after since.
func (l *Ledger) CountSince(projectID string, since time.Time) int {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	entries := prune(l.byProject[projectID], l.now().Add(-retention))
	if len(entries) == 0 {
		delete(l.byProject, projectID)
		return 0
	}
	l.byProject[projectID] = entries

	n := 0
	for _, ts := range entries {
		if !ts.Before(since) {
			n++
		}
	}
	return n
}

// prune drops timestamps strictly before cutoff. Entries are appended in
// order, so the first retained index bounds the copy.
func prune(entries []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append([]time.Time(nil), entries[i:]...)
}
