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

// Package models holds the static model tables for the Antigravity upstream:
// quota group membership, the reasoning-capable set, and family helpers used
// by translation and cooldown fan-out.
package models

import "strings"

// signatureMarker identifies the model family that emits and requires thought
// signatures on continuation.
const signatureMarker = "gemini-3"

// QuotaGroups partitions model names into classes believed to share a single
// upstream quota pool. Exhausting one member exhausts the class.
var QuotaGroups = map[string][]string{
	"claude": {
		"claude-sonnet-4-5",
		"claude-sonnet-4-5-thinking",
	},
	"gemini-3-pro": {
		"gemini-3-pro-preview",
		"gemini-3-pro-preview-low",
	},
	"Gemini其他": {
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
		"gemini-2.0-flash",
		"gemini-2.0-flash-lite",
	},
}

// reasoningModels enumerates models that accept a thinking configuration even
// without the explicit "-thinking" name suffix.
var reasoningModels = map[string]bool{
	"gemini-3-pro-preview":     true,
	"gemini-3-pro-preview-low": true,
	"gemini-3-flash-preview":   true,
	"gemini-2.5-pro":           true,
}

// GroupOf returns the quota group name and its full membership for the given
// model, or ok=false if the model is ungrouped.
func GroupOf(model string) (string, []string, bool) {
	for name, members := range QuotaGroups {
		for _, m := range members {
			if m == model {
				return name, members, true
			}
		}
	}
	return "", nil, false
}

// IsClaude reports whether the model belongs to the Claude family proxied
// through the upstream.
func IsClaude(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// SupportsSignature reports whether the model family carries thought
// signatures that must be echoed back on continuation.
func SupportsSignature(model string) bool {
	return strings.Contains(strings.ToLower(model), signatureMarker)
}

// WantsThinking reports whether thinking should be enabled for the model:
// an explicit "-thinking" suffix, membership in the reasoning set, or any
// Claude-family model.
func WantsThinking(model string) bool {
	if strings.HasSuffix(model, "-thinking") {
		return true
	}
	if reasoningModels[model] {
		return true
	}
	return IsClaude(model)
}

// Info describes one servable model for the listing endpoint.
type Info struct {
	ID          string
	DisplayName string
}

// Known returns the models advertised by the gateway, stable order.
func Known() []Info {
	return []Info{
		{ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5"},
		{ID: "claude-sonnet-4-5-thinking", DisplayName: "Claude Sonnet 4.5 (Thinking)"},
		{ID: "gemini-3-pro-preview", DisplayName: "Gemini 3 Pro (Preview)"},
		{ID: "gemini-3-pro-preview-low", DisplayName: "Gemini 3 Pro (Preview, Low)"},
		{ID: "gemini-3-flash-preview", DisplayName: "Gemini 3 Flash (Preview)"},
		{ID: "gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro"},
		{ID: "gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash"},
		{ID: "gemini-2.5-flash-lite", DisplayName: "Gemini 2.5 Flash Lite"},
		{ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash"},
		{ID: "gemini-2.0-flash-lite", DisplayName: "Gemini 2.0 Flash Lite"},
	}
}
