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
	"sort"
	"strings"
)

// facetKeys are validation facets the upstream declaration format rejects.
// Stripped facet names are summarized in the root description.
var facetKeys = []string{
	"minLength", "maxLength", "minimum", "maximum", "minItems", "maxItems",
	"minProperties", "maxProperties", "pattern", "format", "multipleOf",
}

// droppedKeys are removed silently at every level.
var droppedKeys = []string{"$schema", "uniqueItems", "exclusiveMinimum", "exclusiveMaximum"}

// CleanSchema rewrites a tool JSON schema into the subset the upstream
// accepts: unsupported keywords and validation facets are removed at every
// level, each required list is intersected with its sibling properties, and
// the names of stripped facets are appended to the root description so the
// model still sees the intent. Cleaning is idempotent.
func CleanSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return raw
	}

	facets := map[string]struct{}{}
	noAdditional := false
	cleanNode(root, facets, &noAdditional)

	notes := make([]string, 0, len(facets)+1)
	for f := range facets {
		notes = append(notes, f+": "+f)
	}
	sort.Strings(notes)
	if noAdditional {
		notes = append(notes, "no additional properties")
	}
	if len(notes) > 0 {
		annotation := "(" + strings.Join(notes, ", ") + ")"
		if desc, _ := root["description"].(string); desc != "" {
			root["description"] = desc + " " + annotation
		} else {
			root["description"] = annotation
		}
	}

	out, err := json.Marshal(root)
	if err != nil {
		return raw
	}
	return out
}

func cleanNode(node any, facets map[string]struct{}, noAdditional *bool) {
	switch v := node.(type) {
	case map[string]any:
		for _, k := range droppedKeys {
			delete(v, k)
		}
		if ap, ok := v["additionalProperties"]; ok {
			if b, isBool := ap.(bool); isBool && !b {
				*noAdditional = true
			}
			delete(v, "additionalProperties")
		}
		for _, f := range facetKeys {
			if _, ok := v[f]; ok {
				facets[f] = struct{}{}
				delete(v, f)
			}
		}
		if req, ok := v["required"].([]any); ok {
			props, _ := v["properties"].(map[string]any)
			kept := req[:0]
			for _, r := range req {
				if name, isStr := r.(string); isStr {
					if _, exists := props[name]; exists {
						kept = append(kept, r)
					}
				}
			}
			if len(kept) == 0 {
				delete(v, "required")
			} else {
				v["required"] = kept
			}
		}
		for _, val := range v {
			cleanNode(val, facets, noAdditional)
		}
	case []any:
		for _, item := range v {
			cleanNode(item, facets, noAdditional)
		}
	}
}
