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

package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/credential"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

type fakeFetcher struct {
	mtx      sync.Mutex
	quotas   []upstream.ModelQuota
	err      error
	calls    int
	projects []string
}

func (f *fakeFetcher) FetchModels(_ context.Context, _, projectID string) ([]upstream.ModelQuota, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls++
	f.projects = append(f.projects, projectID)
	return f.quotas, f.err
}

func (f *fakeFetcher) set(quotas []upstream.ModelQuota) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.quotas = quotas
}

func (f *fakeFetcher) callCount() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.calls
}

type fakeLoader struct{ id string }

func (f *fakeLoader) LoadProject(context.Context, string) (string, error) { return f.id, nil }

func newQuotaStore(t *testing.T, loader credential.ProjectLoader, projectIDs ...string) *credential.Store {
	t.Helper()
	entries := make([]map[string]any, 0, len(projectIDs))
	for i, p := range projectIDs {
		e := map[string]any{
			"refresh_token": fmt.Sprintf("rt-%d", i+1),
			"access_token":  fmt.Sprintf("at-%d", i+1),
			"expires_in":    3600,
			"timestamp":     time.Now().UnixMilli(),
		}
		if p != "" {
			e["projectId"] = p
		}
		entries = append(entries, e)
	}
	b, err := json.Marshal(entries)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))

	s := credential.NewStore(log.NewNopLogger(), nil, credential.Options{Path: path}, loader)
	_, err = s.Load()
	require.NoError(t, err)
	return s
}

func TestSweepDisablesAndReenables(t *testing.T) {
	store := newQuotaStore(t, nil, "proj-1")
	fetch := &fakeFetcher{quotas: []upstream.ModelQuota{
		{Name: "gemini-2.5-pro", Remaining: 0.02},
		{Name: "gemini-2.5-flash", Remaining: 0.6},
	}}
	m := NewMonitor(log.NewNopLogger(), nil, store, fetch, Options{})

	m.sweep(context.Background())

	view := store.View(store.Creds()[0])
	require.Contains(t, view.DisabledModels, "gemini-2.5-pro")
	require.NotContains(t, view.DisabledModels, "gemini-2.5-flash")

	// Quota recovers; the model comes back on the next sweep.
	fetch.set([]upstream.ModelQuota{{Name: "gemini-2.5-pro", Remaining: 0.8}})
	m.MarkUsed("proj-1")
	m.sweep(context.Background())

	view = store.View(store.Creds()[0])
	require.NotContains(t, view.DisabledModels, "gemini-2.5-pro")
}

func TestSweepSkipsIdleRecentlyChecked(t *testing.T) {
	store := newQuotaStore(t, nil, "proj-1")
	fetch := &fakeFetcher{quotas: []upstream.ModelQuota{{Name: "gemini-2.5-pro", Remaining: 0.9}}}
	m := NewMonitor(log.NewNopLogger(), nil, store, fetch, Options{})

	m.sweep(context.Background())
	require.Equal(t, 1, fetch.callCount())

	// Unused since the last check and checked recently: skipped.
	m.sweep(context.Background())
	require.Equal(t, 1, fetch.callCount())

	// A selection in between forces a recheck.
	m.MarkUsed("proj-1")
	m.sweep(context.Background())
	require.Equal(t, 2, fetch.callCount())
}

func TestRemaining(t *testing.T) {
	store := newQuotaStore(t, nil, "proj-1")
	fetch := &fakeFetcher{quotas: []upstream.ModelQuota{
		{Name: "claude-sonnet-4-5", Remaining: 0.4},
		{Name: "claude-sonnet-4-5-thinking", Remaining: 0.3},
	}}
	m := NewMonitor(log.NewNopLogger(), nil, store, fetch, Options{})

	_, ok := m.Remaining("proj-1")
	require.False(t, ok)

	m.sweep(context.Background())

	rem, ok := m.Remaining("proj-1")
	require.True(t, ok)
	require.Equal(t, 0.4, rem["claude-sonnet-4-5"])
	require.Equal(t, 0.3, rem["claude-sonnet-4-5-thinking"])

	_, ok = m.Remaining("proj-other")
	require.False(t, ok)
}

func TestCacheMigratesToProjectKey(t *testing.T) {
	store := newQuotaStore(t, &fakeLoader{id: "proj-found"}, "")
	fetch := &fakeFetcher{quotas: []upstream.ModelQuota{{Name: "gemini-2.5-pro", Remaining: 0.9}}}
	m := NewMonitor(log.NewNopLogger(), nil, store, fetch, Options{})

	// Before discovery the cache is keyed by refresh token.
	m.sweep(context.Background())
	require.Equal(t, []string{""}, fetch.projects)
	_, ok := m.Remaining("rt-1")
	require.True(t, ok)

	_, err := store.FetchProjectID(context.Background(), store.Creds()[0])
	require.NoError(t, err)

	// The next sweep rekeys the entry; being idle and freshly checked it
	// is not fetched again.
	m.sweep(context.Background())
	require.Equal(t, 1, fetch.callCount())

	_, ok = m.Remaining("rt-1")
	require.False(t, ok)
	_, ok = m.Remaining("proj-found")
	require.True(t, ok)
}

func TestSweepToleratesFetchErrors(t *testing.T) {
	store := newQuotaStore(t, nil, "proj-1")
	fetch := &fakeFetcher{err: &upstream.Error{Kind: upstream.KindTransient, Op: "fetchAvailableModels"}}
	m := NewMonitor(log.NewNopLogger(), nil, store, fetch, Options{})

	m.sweep(context.Background())

	require.Empty(t, store.View(store.Creds()[0]).DisabledModels)
	_, ok := m.Remaining("proj-1")
	require.False(t, ok)
}

func TestRunSweepsImmediatelyAndStops(t *testing.T) {
	store := newQuotaStore(t, nil, "proj-1")
	fetch := &fakeFetcher{quotas: []upstream.ModelQuota{{Name: "gemini-2.5-pro", Remaining: 0.9}}}
	m := NewMonitor(log.NewNopLogger(), nil, store, fetch, Options{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return fetch.callCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
