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

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/models"
)

// modelCreatedAt is the fixed creation timestamp reported for every catalog
// entry; the upstream does not expose real ones.
const modelCreatedAt = "2025-01-01T00:00:00Z"

type modelEntry struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	CreatedAt   string `json:"created_at"`
}

type modelList struct {
	Data    []modelEntry `json:"data"`
	HasMore bool         `json:"has_more"`
	FirstID string       `json:"first_id,omitempty"`
	LastID  string       `json:"last_id,omitempty"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed")
		return
	}
	known := models.Known()
	list := modelList{Data: make([]modelEntry, 0, len(known))}
	for _, m := range known {
		list.Data = append(list.Data, modelEntry{
			Type:        "model",
			ID:          m.ID,
			DisplayName: m.DisplayName,
			CreatedAt:   modelCreatedAt,
		})
	}
	if len(list.Data) > 0 {
		list.FirstID = list.Data[0].ID
		list.LastID = list.Data[len(list.Data)-1].ID
	}
	h.writeJSON(w, http.StatusOK, list)
}
