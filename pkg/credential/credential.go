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

// Package credential manages the rotating pool of OAuth identities: loading
// and persisting the credential file, refreshing access tokens, discovering
// project identifiers, and round-robin selection against cooldowns, disabled
// models and the hourly usage cap.
package credential

import (
	"sort"
	"time"
)

// expiryMargin treats tokens as expired this long before their real expiry so
// an upstream call never races the deadline.
const expiryMargin = 5 * time.Minute

// Credential is one live pool entry. All fields are guarded by the owning
// Store's mutex; request handlers only ever see Selected copies.
type Credential struct {
	// RefreshToken is the stable identity of the credential.
	RefreshToken string
	AccessToken  string
	// ObtainedAt and ExpiresIn describe the access token lifetime as
	// reported by the token endpoint.
	ObtainedAt time.Time
	ExpiresIn  time.Duration
	// ProjectID is fetched on first use, or a random placeholder under the
	// allow-random-project policy.
	ProjectID string
	Enabled   bool
	// DisabledModels holds models the quota monitor has switched off.
	DisabledModels map[string]struct{}
	// SessionID is ephemeral per process start and never persisted.
	SessionID string
}

func (c *Credential) expired(now time.Time) bool {
	return c.AccessToken == "" || !now.Before(c.ObtainedAt.Add(c.ExpiresIn-expiryMargin))
}

func (c *Credential) modelDisabled(model string) bool {
	_, ok := c.DisabledModels[model]
	return ok
}

// Selected is the immutable view of a credential handed to request handlers.
type Selected struct {
	RefreshToken string
	AccessToken  string
	ProjectID    string
	SessionID    string
}

// persistedKeys are the entry fields this process owns when rewriting the
// credentials file; they must stay in sync with the persisted struct tags.
// Fields other writers put on an entry are preserved as-is.
var persistedKeys = []string{
	"refresh_token", "access_token", "expires_in",
	"timestamp", "projectId", "enable", "disabledModels",
}

// persisted is the on-disk form. Ephemeral fields (sessionId) never appear
// here. Timestamp is the epoch-millisecond moment the access token was
// obtained; expiry is timestamp + expires_in seconds.
type persisted struct {
	RefreshToken   string   `json:"refresh_token"`
	AccessToken    string   `json:"access_token,omitempty"`
	ExpiresIn      int64    `json:"expires_in,omitempty"`
	Timestamp      int64    `json:"timestamp,omitempty"`
	ProjectID      string   `json:"projectId,omitempty"`
	Enable         *bool    `json:"enable,omitempty"`
	DisabledModels []string `json:"disabledModels,omitempty"`
}

func (p *persisted) enabled() bool {
	return p.Enable == nil || *p.Enable
}

func (p *persisted) credential(sessionID string) *Credential {
	c := &Credential{
		RefreshToken:   p.RefreshToken,
		AccessToken:    p.AccessToken,
		ExpiresIn:      time.Duration(p.ExpiresIn) * time.Second,
		ProjectID:      p.ProjectID,
		Enabled:        p.enabled(),
		DisabledModels: map[string]struct{}{},
		SessionID:      sessionID,
	}
	if p.Timestamp != 0 {
		c.ObtainedAt = time.UnixMilli(p.Timestamp)
	}
	for _, m := range p.DisabledModels {
		c.DisabledModels[m] = struct{}{}
	}
	return c
}

func (c *Credential) persistedForm() persisted {
	p := persisted{
		RefreshToken: c.RefreshToken,
		AccessToken:  c.AccessToken,
		ExpiresIn:    int64(c.ExpiresIn / time.Second),
		ProjectID:    c.ProjectID,
	}
	if !c.ObtainedAt.IsZero() {
		p.Timestamp = c.ObtainedAt.UnixMilli()
	}
	if !c.Enabled {
		f := false
		p.Enable = &f
	}
	if len(c.DisabledModels) > 0 {
		p.DisabledModels = make([]string, 0, len(c.DisabledModels))
		for m := range c.DisabledModels {
			p.DisabledModels = append(p.DisabledModels, m)
		}
		sort.Strings(p.DisabledModels)
	}
	return p
}
