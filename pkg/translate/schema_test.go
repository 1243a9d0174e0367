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

package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanSchema(t *testing.T) {
	in := json.RawMessage(`{
		"type": "object",
		"properties": {"x": {"type": "string", "minLength": 3}},
		"required": ["x", "y"],
		"additionalProperties": false,
		"$schema": "http://json-schema.org/draft-07/schema#"
	}`)
	want := `{
		"type": "object",
		"properties": {"x": {"type": "string"}},
		"required": ["x"],
		"description": "(minLength: minLength, no additional properties)"
	}`
	require.JSONEq(t, want, string(CleanSchema(in)))
}

func TestCleanSchemaIsFixedPoint(t *testing.T) {
	in := json.RawMessage(`{
		"type": "object",
		"description": "does things",
		"properties": {
			"a": {"type": "string", "pattern": "^x", "format": "uri"},
			"b": {"type": "array", "items": {"type": "integer", "minimum": 0}, "uniqueItems": true}
		},
		"required": ["a", "b", "gone"],
		"additionalProperties": false
	}`)
	once := CleanSchema(in)
	twice := CleanSchema(once)
	require.Equal(t, string(once), string(twice))
}

func TestCleanSchemaAppendsToExistingDescription(t *testing.T) {
	in := json.RawMessage(`{"type":"object","description":"finds it","properties":{"q":{"type":"string","maxLength":10}}}`)
	out := CleanSchema(in)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	require.Equal(t, "finds it (maxLength: maxLength)", m["description"])
}

func TestCleanSchemaNestedRequired(t *testing.T) {
	in := json.RawMessage(`{
		"type": "object",
		"properties": {
			"inner": {
				"type": "object",
				"properties": {"a": {"type": "string"}},
				"required": ["a", "b"]
			},
			"empty": {
				"type": "object",
				"required": ["missing"]
			}
		}
	}`)
	out := CleanSchema(in)

	var m struct {
		Properties struct {
			Inner struct {
				Required []string `json:"required"`
			} `json:"inner"`
			Empty map[string]any `json:"empty"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(out, &m))
	require.Equal(t, []string{"a"}, m.Properties.Inner.Required)
	require.NotContains(t, m.Properties.Empty, "required")
}

func TestCleanSchemaRecursesArrays(t *testing.T) {
	in := json.RawMessage(`{
		"type": "object",
		"properties": {
			"v": {"anyOf": [{"type": "string", "minLength": 1}, {"type": "integer"}]}
		}
	}`)
	out := CleanSchema(in)
	require.NotContains(t, string(out), "minLength: 1")
	require.Contains(t, string(out), `"description":"(minLength: minLength)"`)
}

func TestCleanSchemaPassthrough(t *testing.T) {
	for _, raw := range []string{"", "true", `["x"]`, "not json"} {
		require.Equal(t, raw, string(CleanSchema(json.RawMessage(raw))))
	}
}
