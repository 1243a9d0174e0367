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

package gateway

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-kit/log/level"
)

type cooldownEntry struct {
	ProjectID string `json:"projectId"`
	Model     string `json:"model"`
	ResetAt   string `json:"resetAt"`
	CreatedAt string `json:"createdAt"`
	Reason    string `json:"reason,omitempty"`
}

type cooldownList struct {
	Cooldowns []cooldownEntry `json:"cooldowns"`
}

func (h *Handler) handleCooldowns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	recs := h.deps.Cooldowns.List()
	out := cooldownList{Cooldowns: make([]cooldownEntry, 0, len(recs))}
	for _, rec := range recs {
		out.Cooldowns = append(out.Cooldowns, cooldownEntry{
			ProjectID: rec.ProjectID,
			Model:     rec.Model,
			ResetAt:   rec.ResetAt.UTC().Format(time.RFC3339),
			CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
			Reason:    rec.Reason,
		})
	}
	h.writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleCooldownsClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	n := h.deps.Cooldowns.ClearAll()
	_ = level.Info(h.logger).Log("msg", "cooldowns cleared", "count", n)
	h.writeJSON(w, http.StatusOK, struct {
		Cleared int `json:"cleared"`
	}{Cleared: n})
}

// credentialEntry is the redacted admin view of one pool entry; token
// material never appears here.
type credentialEntry struct {
	ProjectID      string   `json:"projectId"`
	Enabled        bool     `json:"enabled"`
	DisabledModels []string `json:"disabledModels,omitempty"`
	TokenExpiresAt string   `json:"tokenExpiresAt,omitempty"`
}

type credentialList struct {
	Credentials []credentialEntry `json:"credentials"`
}

func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	creds := h.deps.Credentials.Creds()
	out := credentialList{Credentials: make([]credentialEntry, 0, len(creds))}
	for _, c := range creds {
		v := h.deps.Credentials.View(c)
		entry := credentialEntry{ProjectID: v.ProjectID, Enabled: v.Enabled}
		for m := range v.DisabledModels {
			entry.DisabledModels = append(entry.DisabledModels, m)
		}
		sort.Strings(entry.DisabledModels)
		if !v.ObtainedAt.IsZero() && v.ExpiresIn > 0 {
			entry.TokenExpiresAt = v.ObtainedAt.Add(v.ExpiresIn).UTC().Format(time.RFC3339)
		}
		out.Credentials = append(out.Credentials, entry)
	}
	h.writeJSON(w, http.StatusOK, out)
}
