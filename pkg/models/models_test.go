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

package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupOf(t *testing.T) {
	name, members, ok := GroupOf("gemini-2.5-pro")
	require.True(t, ok)
	require.Equal(t, "Gemini其他", name)
	require.Len(t, members, 5)

	_, _, ok = GroupOf("some-unknown-model")
	require.False(t, ok)
}

func TestWantsThinking(t *testing.T) {
	for _, tc := range []struct {
		model string
		want  bool
	}{
		{"claude-sonnet-4-5-thinking", true},
		{"claude-sonnet-4-5", true},
		{"gemini-3-pro-preview", true},
		{"gemini-2.5-pro", true},
		{"gemini-2.5-flash", false},
		{"gemini-2.0-flash-lite", false},
	} {
		require.Equal(t, tc.want, WantsThinking(tc.model), "model %q", tc.model)
	}
}

func TestSupportsSignature(t *testing.T) {
	require.True(t, SupportsSignature("gemini-3-pro-preview"))
	require.True(t, SupportsSignature("gemini-3-flash-preview"))
	require.False(t, SupportsSignature("gemini-2.5-pro"))
	require.False(t, SupportsSignature("claude-sonnet-4-5"))
}

func TestIsClaude(t *testing.T) {
	require.True(t, IsClaude("claude-sonnet-4-5"))
	require.True(t, IsClaude("Claude-Sonnet-4-5-Thinking"))
	require.False(t, IsClaude("gemini-3-pro-preview"))
}
