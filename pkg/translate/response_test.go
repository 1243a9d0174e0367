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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

func TestTranslateResponseBlocks(t *testing.T) {
	tr := newTestTranslator(Options{})
	raw := []byte(`{"response":{"candidates":[{"content":{"parts":[
		{"text":"plan it","thought":true,"thoughtSignature":"SIG"},
		{"text":"answer"},
		{"functionCall":{"id":"fc-1","name":"lookup","args":{"q":"x"}}}
	]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":12,"candidatesTokenCount":34}}}`)

	resp, err := tr.TranslateResponse(raw, "gemini-3-pro-preview", "req-1", 5)
	require.NoError(t, err)

	require.Equal(t, "msg_req-1", resp.ID)
	require.Equal(t, "message", resp.Type)
	require.Equal(t, "assistant", resp.Role)
	require.Equal(t, "gemini-3-pro-preview", resp.Model)

	require.Len(t, resp.Content, 3)
	require.Equal(t, "thinking", resp.Content[0].Type)
	require.Equal(t, "plan it", resp.Content[0].Thinking)
	require.Equal(t, "SIG", resp.Content[0].Signature)
	require.Equal(t, "text", resp.Content[1].Type)
	require.Equal(t, "answer", resp.Content[1].Text)
	require.Equal(t, "tool_use", resp.Content[2].Type)
	require.Equal(t, "fc-1", resp.Content[2].ID)
	require.Equal(t, "lookup", resp.Content[2].Name)
	require.JSONEq(t, `{"q":"x"}`, string(resp.Content[2].Input))

	require.Equal(t, "tool_use", resp.StopReason)
	require.Equal(t, 12, resp.Usage.InputTokens)
	require.Equal(t, 34, resp.Usage.OutputTokens)

	sig, ok := tr.Signatures().TextSignature("plan it")
	require.True(t, ok)
	require.Equal(t, "SIG", sig)
}

func TestTranslateResponseSignatureOnTextPart(t *testing.T) {
	tr := newTestTranslator(Options{})
	raw := []byte(`{"response":{"candidates":[{"content":{"parts":[
		{"text":"the thought","thought":true},
		{"text":"hi","thoughtSignature":"S2"}
	]}}]}}`)

	resp, err := tr.TranslateResponse(raw, "gemini-3-pro-preview", "r", 0)
	require.NoError(t, err)

	require.Len(t, resp.Content, 2)
	require.Equal(t, "thinking", resp.Content[0].Type)
	require.Equal(t, "S2", resp.Content[0].Signature)
	require.Equal(t, "text", resp.Content[1].Type)

	sig, ok := tr.Signatures().TextSignature("the thought")
	require.True(t, ok)
	require.Equal(t, "S2", sig)
}

func TestTranslateResponseToolUseDefaults(t *testing.T) {
	tr := newTestTranslator(Options{})
	raw := []byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f"}}]}}]}`)

	resp, err := tr.TranslateResponse(raw, "m", "r", 0)
	require.NoError(t, err)

	require.Len(t, resp.Content, 1)
	require.Regexp(t, regexp.MustCompile(`^toolu_[0-9a-f]{32}$`), resp.Content[0].ID)
	require.JSONEq(t, `{}`, string(resp.Content[0].Input))
	require.Equal(t, "tool_use", resp.StopReason)
}

func TestTranslateResponseToolCallSignatureCached(t *testing.T) {
	tr := newTestTranslator(Options{})
	raw := []byte(`{"candidates":[{"content":{"parts":[
		{"functionCall":{"id":"fc-9","name":"f","args":{}},"thoughtSignature":"TS"}
	]}}]}`)

	_, err := tr.TranslateResponse(raw, "m", "r", 0)
	require.NoError(t, err)

	sig, ok := tr.Signatures().ToolCallSignature("fc-9")
	require.True(t, ok)
	require.Equal(t, "TS", sig)
}

func TestTranslateResponseStopReasons(t *testing.T) {
	tr := newTestTranslator(Options{})

	raw := []byte(`{"candidates":[{"content":{"parts":[{"text":"a"},{"functionCall":{"id":"x","name":"f"}}]},"finishReason":"MAX_TOKENS"}]}`)
	resp, err := tr.TranslateResponse(raw, "m", "r", 0)
	require.NoError(t, err)
	require.Equal(t, "max_tokens", resp.StopReason)

	raw = []byte(`{"candidates":[{"content":{"parts":[{"text":"a"}]},"finishReason":"STOP"}]}`)
	resp, err = tr.TranslateResponse(raw, "m", "r", 0)
	require.NoError(t, err)
	require.Equal(t, "end_turn", resp.StopReason)
}

func TestTranslateResponseNoCandidates(t *testing.T) {
	tr := newTestTranslator(Options{})
	_, err := tr.TranslateResponse([]byte(`{}`), "m", "r", 0)
	require.Error(t, err)
	require.Equal(t, upstream.KindTransient, upstream.KindOf(err))
}

func TestTranslateResponseUsageFallback(t *testing.T) {
	tr := newTestTranslator(Options{})
	raw := []byte(`{"candidates":[{"content":{"parts":[{"text":"abcd"},{"text":"12345678","thought":true}]}}]}`)

	resp, err := tr.TranslateResponse(raw, "m", "r", 7)
	require.NoError(t, err)
	require.Equal(t, 7, resp.Usage.InputTokens)
	// ceil(4/4) + ceil(8/4)
	require.Equal(t, 3, resp.Usage.OutputTokens)
}

func TestTranslateResponseSkipsEmptyText(t *testing.T) {
	tr := newTestTranslator(Options{})
	raw := []byte(`{"candidates":[{"content":{"parts":[{"text":""},{"text":"real"}]}}]}`)

	resp, err := tr.TranslateResponse(raw, "m", "r", 0)
	require.NoError(t, err)
	require.Len(t, resp.Content, 1)
	require.Equal(t, "real", resp.Content[0].Text)
}
