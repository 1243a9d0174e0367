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
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

var (
	poolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_credentials",
		Help: "Number of enabled credentials currently in the pool.",
	})
	refreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_credential_refreshes_total",
		Help: "Access token refresh attempts by result.",
	}, []string{"result"})
)

// Options configures a credential Store.
type Options struct {
	// Path of the credentials JSON file.
	Path         string
	ClientID     string
	ClientSecret string
	// AllowRandomProject assigns a placeholder project id instead of
	// calling project discovery.
	AllowRandomProject bool
}

// ProjectLoader resolves the workspace project for an access token.
// *upstream.Client implements it.
type ProjectLoader interface {
	LoadProject(ctx context.Context, accessToken string) (string, error)
}

// Store owns the credential pool. All credential state is guarded by its
// mutex; network calls (token refresh, project discovery) run outside the
// lock so concurrent selections are not serialized behind them.
type Store struct {
	logger   log.Logger
	opts     Options
	projects ProjectLoader

	refresh func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	now     func() time.Time

	mtx   sync.Mutex
	creds []*Credential
}

// NewStore returns an empty store. Call Load to populate it from disk.
func NewStore(logger log.Logger, reg prometheus.Registerer, opts Options, projects ProjectLoader) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reg != nil {
		reg.MustRegister(poolSize, refreshesTotal)
	}
	conf := &oauth2.Config{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	s := &Store{
		logger:   logger,
		opts:     opts,
		projects: projects,
		now:      time.Now,
	}
	s.refresh = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	}
	return s
}

// Load reads the credentials file and replaces the in-memory pool with its
// enabled entries. Each loaded credential gets a fresh session id. A missing
// file leaves the pool empty.
func (s *Store) Load() (int, error) {
	b, err := os.ReadFile(s.opts.Path)
	if os.IsNotExist(err) {
		_ = level.Warn(s.logger).Log("msg", "credentials file missing, starting with empty pool", "path", s.opts.Path)
		s.mtx.Lock()
		s.creds = nil
		s.mtx.Unlock()
		poolSize.Set(0)
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "read credentials file")
	}
	var entries []persisted
	if err := json.Unmarshal(b, &entries); err != nil {
		return 0, errors.Wrap(err, "parse credentials file")
	}
	var live []*Credential
	for _, p := range entries {
		if p.RefreshToken == "" || !p.enabled() {
			continue
		}
		live = append(live, p.credential(uuid.NewString()))
	}
	s.mtx.Lock()
	s.creds = live
	s.mtx.Unlock()
	poolSize.Set(float64(len(live)))
	_ = level.Info(s.logger).Log("msg", "credentials loaded", "enabled", len(live), "total", len(entries), "path", s.opts.Path)
	return len(live), nil
}

// Len reports the current pool size.
func (s *Store) Len() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.creds)
}

// Creds returns the live pool entries. Callers must only inspect or mutate
// them through Store methods.
func (s *Store) Creds() []*Credential {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make([]*Credential, len(s.creds))
	copy(out, s.creds)
	return out
}

// View returns a consistent copy of the credential state.
func (s *Store) View(c *Credential) Credential {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	cp := *c
	cp.DisabledModels = make(map[string]struct{}, len(c.DisabledModels))
	for m := range c.DisabledModels {
		cp.DisabledModels[m] = struct{}{}
	}
	return cp
}

// ByProjectID returns the credential serving the given project.
func (s *Store) ByProjectID(projectID string) (Selected, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, c := range s.creds {
		if c.ProjectID == projectID {
			return s.selectedLocked(c), true
		}
	}
	return Selected{}, false
}

// Refresh exchanges the refresh token for a new access token and persists the
// result. Token endpoint responses with status 400 or 403 mean the grant is
// revoked and the credential is dead; everything else is transient.
func (s *Store) Refresh(ctx context.Context, c *Credential) error {
	s.mtx.Lock()
	rt := c.RefreshToken
	s.mtx.Unlock()

	tok, err := s.refresh(ctx, rt)
	if err != nil {
		kind := upstream.KindTransient
		status := 0
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			status = rerr.Response.StatusCode
			if status == http.StatusBadRequest || status == http.StatusForbidden {
				kind = upstream.KindAuthDead
			}
		}
		refreshesTotal.WithLabelValues(resultLabel(kind)).Inc()
		return &upstream.Error{Kind: kind, Op: "oauth/refresh", StatusCode: status, Err: err}
	}

	s.mtx.Lock()
	c.AccessToken = tok.AccessToken
	c.ObtainedAt = s.now()
	if ttl := tok.Expiry.Sub(c.ObtainedAt); ttl > 0 {
		c.ExpiresIn = ttl
	} else {
		c.ExpiresIn = time.Hour
	}
	perr := s.persistLocked()
	s.mtx.Unlock()

	refreshesTotal.WithLabelValues("ok").Inc()
	if perr != nil {
		_ = level.Warn(s.logger).Log("msg", "persisting refreshed token failed", "err", perr)
	}
	return nil
}

// EnsureFresh refreshes the access token only when it is expired or about to
// expire.
func (s *Store) EnsureFresh(ctx context.Context, c *Credential) error {
	s.mtx.Lock()
	stale := c.expired(s.now())
	s.mtx.Unlock()
	if !stale {
		return nil
	}
	return s.Refresh(ctx, c)
}

// FetchProjectID ensures the credential has a project id, calling project
// discovery unless the random-placeholder policy is active. A discovery
// response without a project marks the account ineligible, which is fatal for
// the credential.
func (s *Store) FetchProjectID(ctx context.Context, c *Credential) (string, error) {
	s.mtx.Lock()
	if c.ProjectID != "" {
		id := c.ProjectID
		s.mtx.Unlock()
		return id, nil
	}
	token := c.AccessToken
	s.mtx.Unlock()

	var id string
	if s.opts.AllowRandomProject {
		id = randomProjectID()
		_ = level.Info(s.logger).Log("msg", "assigned placeholder project id", "project", id)
	} else {
		var err error
		id, err = s.projects.LoadProject(ctx, token)
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", &upstream.Error{
				Kind:   upstream.KindAuthDead,
				Op:     "loadCodeAssist",
				Reason: "account has no cloudaicompanionProject",
			}
		}
	}

	s.mtx.Lock()
	c.ProjectID = id
	perr := s.persistLocked()
	s.mtx.Unlock()
	if perr != nil {
		_ = level.Warn(s.logger).Log("msg", "persisting project id failed", "err", perr)
	}
	return id, nil
}

// Disable marks the credential disabled, persists that, and removes it from
// the live pool.
func (s *Store) Disable(c *Credential, reason string) {
	s.mtx.Lock()
	c.Enabled = false
	perr := s.persistLocked()
	for i, cc := range s.creds {
		if cc == c {
			s.creds = append(s.creds[:i], s.creds[i+1:]...)
			break
		}
	}
	n := len(s.creds)
	s.mtx.Unlock()

	poolSize.Set(float64(n))
	if perr != nil {
		_ = level.Warn(s.logger).Log("msg", "persisting disabled credential failed", "err", perr)
	}
	_ = level.Warn(s.logger).Log("msg", "credential disabled", "project", c.ProjectID, "reason", reason, "remaining", n)
}

// DisableModel switches a single model off for the credential. It reports
// whether the set changed.
func (s *Store) DisableModel(c *Credential, model string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := c.DisabledModels[model]; ok {
		return false
	}
	c.DisabledModels[model] = struct{}{}
	if err := s.persistLocked(); err != nil {
		_ = level.Warn(s.logger).Log("msg", "persisting disabled model failed", "err", err)
	}
	return true
}

// EnableModel removes a model from the credential's disabled set. It reports
// whether the set changed.
func (s *Store) EnableModel(c *Credential, model string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if _, ok := c.DisabledModels[model]; !ok {
		return false
	}
	delete(c.DisabledModels, model)
	if err := s.persistLocked(); err != nil {
		_ = level.Warn(s.logger).Log("msg", "persisting enabled model failed", "err", err)
	}
	return true
}

// persistLocked writes the pool back to disk. The on-disk array is re-read
// and merged field-wise per entry keyed by refresh token, so entries added or
// disabled outside this process survive the rewrite, and so do entry fields
// this process does not own. The whole file is then replaced atomically.
// Callers must hold s.mtx.
func (s *Store) persistLocked() error {
	disk, err := os.ReadFile(s.opts.Path)
	if err != nil || !gjson.ParseBytes(disk).IsArray() {
		// Missing or unparseable content is replaced wholesale.
		disk = []byte("[]")
	}
	index := make(map[string]int)
	length := 0
	gjson.ParseBytes(disk).ForEach(func(_, entry gjson.Result) bool {
		index[entry.Get("refresh_token").String()] = length
		length++
		return true
	})
	for _, c := range s.creds {
		enc, err := json.Marshal(c.persistedForm())
		if err != nil {
			return errors.Wrap(err, "encode credential")
		}
		i, ok := index[c.RefreshToken]
		if !ok {
			i = length
			index[c.RefreshToken] = i
			length++
			if disk, err = sjson.SetRawBytes(disk, strconv.Itoa(i), enc); err != nil {
				return errors.Wrap(err, "append credential")
			}
			continue
		}
		mine := gjson.ParseBytes(enc)
		for _, key := range persistedKeys {
			path := strconv.Itoa(i) + "." + key
			if v := mine.Get(key); v.Exists() {
				disk, err = sjson.SetRawBytes(disk, path, []byte(v.Raw))
			} else {
				disk, err = sjson.DeleteBytes(disk, path)
			}
			if err != nil {
				return errors.Wrap(err, "merge credential")
			}
		}
	}
	tmp := s.opts.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(gjson.GetBytes(disk, "@pretty").Raw), 0o600); err != nil {
		return errors.Wrap(err, "write credentials file")
	}
	if err := os.Rename(tmp, s.opts.Path); err != nil {
		return errors.Wrap(err, "replace credentials file")
	}
	return nil
}

func (s *Store) selectedLocked(c *Credential) Selected {
	return Selected{
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
		ProjectID:    c.ProjectID,
		SessionID:    c.SessionID,
	}
}

func (s *Store) credAt(i int) *Credential {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if len(s.creds) == 0 {
		return nil
	}
	return s.creds[i%len(s.creds)]
}

func (s *Store) needsRefresh(c *Credential) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return c.expired(s.now())
}

func (s *Store) projectOf(c *Credential) string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return c.ProjectID
}

func (s *Store) isModelDisabled(c *Credential, model string) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return c.modelDisabled(model)
}

func (s *Store) selected(c *Credential) Selected {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.selectedLocked(c)
}

func resultLabel(k upstream.Kind) string {
	if k == upstream.KindAuthDead {
		return "auth_dead"
	}
	return "transient"
}

func randomProjectID() string {
	u := uuid.New()
	return "proj-" + hex.EncodeToString(u[:6])
}
