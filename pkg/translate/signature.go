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
	"regexp"
	"strings"
	"sync"
)

// maxCacheEntries bounds each signature map; an arbitrary entry is dropped
// once the bound is hit. The cache is best-effort: a miss only means the
// upstream continues without prior reasoning context.
const maxCacheEntries = 8192

var (
	markdownChars = regexp.MustCompile("[*_`~#>]")
	spaceRuns     = regexp.MustCompile(`\s+`)
)

// Cache remembers thought signatures observed in upstream output, keyed by
// tool call id and by thought text in raw, trimmed, and normalized variants,
// so a later request echoing the same thinking can re-attach the signature
// the upstream requires to continue reasoning.
type Cache struct {
	mtx          sync.Mutex
	byToolCallID map[string]string
	byText       map[string]textEntry
}

type textEntry struct {
	signature string
	original  string
}

func NewCache() *Cache {
	return &Cache{
		byToolCallID: map[string]string{},
		byText:       map[string]textEntry{},
	}
}

// RememberToolCall associates a signature with a tool call id.
func (c *Cache) RememberToolCall(id, signature string) {
	if id == "" || signature == "" {
		return
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.byToolCallID[id] = signature
	for len(c.byToolCallID) > maxCacheEntries {
		for k := range c.byToolCallID {
			delete(c.byToolCallID, k)
			break
		}
	}
}

// RememberText associates a signature with thought text under its raw,
// trimmed, and normalized forms.
func (c *Cache) RememberText(text, signature string) {
	if text == "" || signature == "" {
		return
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	entry := textEntry{signature: signature, original: text}
	for _, key := range textKeys(text) {
		c.byText[key] = entry
	}
	for len(c.byText) > maxCacheEntries {
		for k := range c.byText {
			delete(c.byText, k)
			break
		}
	}
}

// ToolCallSignature looks up the signature for a tool call id.
func (c *Cache) ToolCallSignature(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	sig, ok := c.byToolCallID[id]
	return sig, ok
}

// TextSignature looks up the signature for thought text, trying the raw,
// trimmed, and normalized forms in that order.
func (c *Cache) TextSignature(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, key := range textKeys(text) {
		if e, ok := c.byText[key]; ok {
			return e.signature, true
		}
	}
	return "", false
}

func textKeys(text string) []string {
	keys := []string{text}
	if trimmed := strings.TrimSpace(text); trimmed != text {
		keys = append(keys, trimmed)
	}
	if norm := normalizeThought(text); norm != text && norm != strings.TrimSpace(text) {
		keys = append(keys, norm)
	}
	return keys
}

// normalizeThought strips markdown decoration and collapses whitespace so
// cosmetically reflowed thoughts still hit the cache.
func normalizeThought(s string) string {
	s = markdownChars.ReplaceAllString(s, "")
	s = spaceRuns.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
