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

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

func newTestTranslator(opts Options) *Translator {
	return New(log.NewNopLogger(), opts, NewCache())
}

func textMsg(role, text string) api.Message {
	return api.Message{Role: role, Content: api.Blocks{{Type: "text", Text: text}}}
}

func countSigned(parts []upstream.Part) int {
	n := 0
	for _, p := range parts {
		if p.ThoughtSignature != "" {
			n++
		}
	}
	return n
}

func TestTranslateSignaturePlacement(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model: "gemini-3-pro-preview",
		Messages: []api.Message{
			textMsg("user", "question"),
			{Role: "assistant", Content: api.Blocks{
				{Type: "thinking", Thinking: "t1", Signature: "S"},
				{Type: "text", Text: "hi"},
			}},
			textMsg("user", "next"),
		},
	}
	env, err := tr.Translate(req, "proj-1", "req-1", "sess-1")
	require.NoError(t, err)

	require.Len(t, env.Request.Contents, 3)
	require.Equal(t, []upstream.Part{
		{Text: "t1", Thought: true},
		{Text: "hi", ThoughtSignature: "S"},
	}, env.Request.Contents[1].Parts)
	require.Equal(t, 1, countSigned(env.Request.Contents[1].Parts))
}

func TestTranslateSignaturePriority(t *testing.T) {
	for _, tc := range []struct {
		name   string
		blocks api.Blocks
		signed func(parts []upstream.Part) bool
	}{
		{
			name: "function call wins",
			blocks: api.Blocks{
				{Type: "thinking", Thinking: "t", Signature: "S"},
				{Type: "text", Text: "hi"},
				{Type: "tool_use", ID: "c1", Name: "f", Input: json.RawMessage(`{}`)},
			},
			signed: func(parts []upstream.Part) bool {
				for _, p := range parts {
					if p.FunctionCall != nil {
						return p.ThoughtSignature == "S"
					}
				}
				return false
			},
		},
		{
			name: "last non-thought text",
			blocks: api.Blocks{
				{Type: "thinking", Thinking: "t", Signature: "S"},
				{Type: "text", Text: "a"},
				{Type: "text", Text: "b"},
			},
			signed: func(parts []upstream.Part) bool {
				for _, p := range parts {
					if p.Text == "b" {
						return p.ThoughtSignature == "S"
					}
				}
				return false
			},
		},
		{
			name: "last thought as fallback",
			blocks: api.Blocks{
				{Type: "thinking", Thinking: "t1", Signature: "S"},
				{Type: "thinking", Thinking: "t2"},
			},
			signed: func(parts []upstream.Part) bool {
				last := parts[len(parts)-1]
				return last.Thought && last.Text == "t2" && last.ThoughtSignature == "S"
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestTranslator(Options{})
			req := &api.MessagesRequest{
				Model: "gemini-3-pro-preview",
				Messages: []api.Message{
					textMsg("user", "q"),
					{Role: "assistant", Content: tc.blocks},
					textMsg("user", "next"),
				},
			}
			env, err := tr.Translate(req, "p", "r", "s")
			require.NoError(t, err)
			parts := env.Request.Contents[1].Parts
			require.Equal(t, 1, countSigned(parts))
			require.True(t, tc.signed(parts))
		})
	}
}

func TestTranslateSignatureFromCache(t *testing.T) {
	tr := newTestTranslator(Options{})
	tr.Signatures().RememberText("t1", "CACHED")

	req := &api.MessagesRequest{
		Model: "gemini-3-pro-preview",
		Messages: []api.Message{
			textMsg("user", "q"),
			{Role: "assistant", Content: api.Blocks{
				{Type: "thinking", Thinking: "t1"},
				{Type: "text", Text: "hi"},
			}},
			textMsg("user", "next"),
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)

	parts := env.Request.Contents[1].Parts
	require.Equal(t, "CACHED", parts[1].ThoughtSignature)
	// A cache hit counts as signed, so thinking stays on.
	require.True(t, env.Request.GenerationConfig.ThinkingConfig.IncludeThoughts)
}

func TestTranslateSignatureFromToolCallCache(t *testing.T) {
	tr := newTestTranslator(Options{})
	tr.Signatures().RememberToolCall("call-9", "TC")

	req := &api.MessagesRequest{
		Model: "gemini-3-pro-preview",
		Messages: []api.Message{
			textMsg("user", "q"),
			{Role: "assistant", Content: api.Blocks{
				{Type: "tool_use", ID: "call-9", Name: "f", Input: json.RawMessage(`{"a":1}`)},
			}},
			textMsg("user", "next"),
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)

	parts := env.Request.Contents[1].Parts
	require.NotNil(t, parts[0].FunctionCall)
	require.Equal(t, "TC", parts[0].ThoughtSignature)
}

func TestTranslateNoSignatureForClaude(t *testing.T) {
	topP := 0.9
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model: "claude-sonnet-4-5-thinking",
		TopP:  &topP,
		Messages: []api.Message{
			textMsg("user", "q"),
			{Role: "assistant", Content: api.Blocks{
				{Type: "thinking", Thinking: "t1", Signature: "S"},
				{Type: "text", Text: "hi"},
			}},
			textMsg("user", "next"),
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)

	for _, c := range env.Request.Contents {
		require.Equal(t, 0, countSigned(c.Parts))
	}
	gc := env.Request.GenerationConfig
	require.True(t, gc.ThinkingConfig.IncludeThoughts)
	require.Equal(t, 1024, gc.ThinkingConfig.ThinkingBudget)
	require.Nil(t, gc.TopP)
}

func TestTranslateRoleMerge(t *testing.T) {
	tr := newTestTranslator(Options{})
	split := &api.MessagesRequest{
		Model: "gemini-2.5-flash",
		Messages: []api.Message{
			textMsg("user", "one"),
			textMsg("user", "two"),
			textMsg("assistant", "reply"),
			textMsg("user", "three"),
		},
	}
	env, err := tr.Translate(split, "p", "r", "s")
	require.NoError(t, err)

	require.Len(t, env.Request.Contents, 3)
	require.Equal(t, "user", env.Request.Contents[0].Role)
	require.Equal(t, []upstream.Part{{Text: "one"}, {Text: "two"}}, env.Request.Contents[0].Parts)
	require.Equal(t, "model", env.Request.Contents[1].Role)

	merged := &api.MessagesRequest{
		Model: "gemini-2.5-flash",
		Messages: []api.Message{
			{Role: "user", Content: api.Blocks{{Type: "text", Text: "one"}, {Type: "text", Text: "two"}}},
			textMsg("assistant", "reply"),
			textMsg("user", "three"),
		},
	}
	env2, err := tr.Translate(merged, "p", "r", "s")
	require.NoError(t, err)
	if diff := cmp.Diff(env.Request.Contents, env2.Request.Contents); diff != "" {
		t.Fatalf("split and pre-merged blocks should translate identically (-want, +got): %s", diff)
	}
}

func TestTranslateThinkingForcedDisable(t *testing.T) {
	t.Run("unsigned history disables", func(t *testing.T) {
		tr := newTestTranslator(Options{})
		req := &api.MessagesRequest{
			Model: "claude-sonnet-4-5-thinking",
			Messages: []api.Message{
				textMsg("user", "q"),
				{Role: "assistant", Content: api.Blocks{{Type: "thinking", Thinking: "no sig"}, {Type: "text", Text: "hi"}}},
				textMsg("user", "next"),
			},
		}
		env, err := tr.Translate(req, "p", "r", "s")
		require.NoError(t, err)
		tc := env.Request.GenerationConfig.ThinkingConfig
		require.False(t, tc.IncludeThoughts)
		require.Equal(t, 0, tc.ThinkingBudget)
	})

	t.Run("thoughtless last turn disables", func(t *testing.T) {
		tr := newTestTranslator(Options{})
		req := &api.MessagesRequest{
			Model: "gemini-3-pro-preview",
			Messages: []api.Message{
				textMsg("user", "q"),
				textMsg("assistant", "plain reply"),
				textMsg("user", "next"),
			},
		}
		env, err := tr.Translate(req, "p", "r", "s")
		require.NoError(t, err)
		require.False(t, env.Request.GenerationConfig.ThinkingConfig.IncludeThoughts)
	})

	t.Run("thoughts reordered first", func(t *testing.T) {
		tr := newTestTranslator(Options{})
		req := &api.MessagesRequest{
			Model: "gemini-3-pro-preview",
			Messages: []api.Message{
				textMsg("user", "q"),
				{Role: "assistant", Content: api.Blocks{
					{Type: "text", Text: "hi"},
					{Type: "thinking", Thinking: "t1", Signature: "S"},
				}},
				textMsg("user", "next"),
			},
		}
		env, err := tr.Translate(req, "p", "r", "s")
		require.NoError(t, err)
		require.True(t, env.Request.GenerationConfig.ThinkingConfig.IncludeThoughts)
		require.Equal(t, []upstream.Part{
			{Text: "t1", Thought: true},
			{Text: "hi", ThoughtSignature: "S"},
		}, env.Request.Contents[1].Parts)
	})

	t.Run("no assistant history keeps thinking", func(t *testing.T) {
		tr := newTestTranslator(Options{})
		req := &api.MessagesRequest{
			Model:    "gemini-3-pro-preview",
			Messages: []api.Message{textMsg("user", "q")},
		}
		env, err := tr.Translate(req, "p", "r", "s")
		require.NoError(t, err)
		tc := env.Request.GenerationConfig.ThinkingConfig
		require.True(t, tc.IncludeThoughts)
		require.Equal(t, 1024, tc.ThinkingBudget)
	})
}

func TestTranslateToolResults(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model: "gemini-2.5-flash",
		Messages: []api.Message{
			textMsg("user", "look it up"),
			{Role: "assistant", Content: api.Blocks{
				{Type: "tool_use", ID: "call-1", Name: "lookup", Input: json.RawMessage(`{"q":"x"}`)},
			}},
			{Role: "user", Content: api.Blocks{
				{Type: "tool_result", ToolUseID: "call-1", Content: json.RawMessage(`"ok"`)},
				{Type: "tool_result", ToolUseID: "call-missing", Content: json.RawMessage(`"boom"`), IsError: true},
			}},
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)

	parts := env.Request.Contents[2].Parts
	require.Len(t, parts, 2)

	fr := parts[0].FunctionResponse
	require.NotNil(t, fr)
	require.Equal(t, "call-1", fr.ID)
	require.Equal(t, "lookup", fr.Name)
	require.JSONEq(t, `{"result":"ok"}`, string(fr.Response))

	fr = parts[1].FunctionResponse
	require.NotNil(t, fr)
	require.Equal(t, "", fr.Name)
	require.JSONEq(t, `{"error":"boom"}`, string(fr.Response))
}

func TestTranslateImageHandling(t *testing.T) {
	tr := newTestTranslator(Options{MaxImages: 1})
	req := &api.MessagesRequest{
		Model: "gemini-2.5-flash",
		Messages: []api.Message{
			{Role: "user", Content: api.Blocks{
				{Type: "text", Text: "look"},
				{Type: "image", Source: &api.ImageSource{Type: "url", URL: "https://example.com/a.png"}},
				{Type: "image", Source: &api.ImageSource{Type: "base64", MediaType: "image/jpeg", Data: "AAAA"}},
				{Type: "image", Source: &api.ImageSource{Type: "base64", Data: "BBBB"}},
			}},
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)

	parts := env.Request.Contents[0].Parts
	require.Len(t, parts, 2)
	require.Equal(t, "look", parts[0].Text)
	require.NotNil(t, parts[1].InlineData)
	require.Equal(t, "image/jpeg", parts[1].InlineData.MimeType)
	require.Equal(t, "AAAA", parts[1].InlineData.Data)
}

func TestTranslateSkipsEmptiedMessages(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model: "gemini-2.5-flash",
		Messages: []api.Message{
			textMsg("user", "hello"),
			{Role: "user", Content: api.Blocks{
				{Type: "image", Source: &api.ImageSource{Type: "url", URL: "https://example.com/a.png"}},
			}},
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.Len(t, env.Request.Contents, 1)
	require.Len(t, env.Request.Contents[0].Parts, 1)
}

func TestTranslateStopSequences(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model:         "gemini-2.5-flash",
		StopSequences: []string{"STOP", "<|user|>"},
		Messages:      []api.Message{textMsg("user", "q")},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.Equal(t, []string{
		"<|user|>", "<|bot|>", "<|context_request|>", "<|endoftext|>", "<|end_of_turn|>", "STOP",
	}, env.Request.GenerationConfig.StopSequences)
}

func TestTranslateGenerationDefaults(t *testing.T) {
	temp := 0.7
	tr := newTestTranslator(Options{DefaultTemperature: &temp})
	req := &api.MessagesRequest{
		Model:    "gemini-2.5-flash",
		Messages: []api.Message{textMsg("user", "q")},
	}
	env, err := tr.Translate(req, "proj-1", "req-1", "sess-1")
	require.NoError(t, err)

	require.Equal(t, "proj-1", env.Project)
	require.Equal(t, "req-1", env.RequestID)
	require.Equal(t, "antigravity/1.11.3", env.UserAgent)
	require.Equal(t, "sess-1", env.Request.SessionID)

	gc := env.Request.GenerationConfig
	require.Equal(t, 1, gc.CandidateCount)
	require.Equal(t, 64000, gc.MaxOutputTokens)
	require.NotNil(t, gc.Temperature)
	require.Equal(t, 0.7, *gc.Temperature)
	require.False(t, gc.ThinkingConfig.IncludeThoughts)
}

func TestTranslateClientParamsWin(t *testing.T) {
	defTemp, reqTemp := 0.7, 0.2
	tr := newTestTranslator(Options{DefaultTemperature: &defTemp})
	req := &api.MessagesRequest{
		Model:       "gemini-2.5-flash",
		Temperature: &reqTemp,
		MaxTokens:   api.FlexTokens(1000),
		Messages:    []api.Message{textMsg("user", "q")},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.Equal(t, 0.2, *env.Request.GenerationConfig.Temperature)
	require.Equal(t, 1000, env.Request.GenerationConfig.MaxOutputTokens)
}

func TestTranslateSystemPrompt(t *testing.T) {
	tr := newTestTranslator(Options{SystemInstruction: "be brief"})

	req := &api.MessagesRequest{Model: "gemini-2.5-flash", Messages: []api.Message{textMsg("user", "q")}}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.NotNil(t, env.Request.SystemInstruction)
	require.Equal(t, "user", env.Request.SystemInstruction.Role)
	require.Equal(t, "be brief", env.Request.SystemInstruction.Parts[0].Text)

	req.System = api.SystemPrompt("custom rules")
	env, err = tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.Equal(t, "custom rules", env.Request.SystemInstruction.Parts[0].Text)
}

func TestTranslateRedactedThinking(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model: "gemini-2.5-flash",
		Messages: []api.Message{
			textMsg("user", "q"),
			{Role: "assistant", Content: api.Blocks{{Type: "redacted_thinking", Data: "opaque"}}},
			textMsg("user", "next"),
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.Equal(t, []upstream.Part{{Text: "[思考内容已隐藏]", Thought: true}}, env.Request.Contents[1].Parts)
}

func TestTranslateToolsCleanedAndValidated(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model: "gemini-2.5-flash",
		Tools: []api.Tool{{
			Name:        "lookup",
			Description: "finds things",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"q":{"type":"string","minLength":1}},"$schema":"x"}`),
		}},
		Messages: []api.Message{textMsg("user", "q")},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)

	require.Len(t, env.Request.Tools, 1)
	decl := env.Request.Tools[0].FunctionDeclarations[0]
	require.Equal(t, "lookup", decl.Name)
	require.JSONEq(t, `{"type":"object","properties":{"q":{"type":"string"}},"description":"(minLength: minLength)"}`, string(decl.Parameters))
	require.NotNil(t, env.Request.ToolConfig)
	require.Equal(t, "VALIDATED", env.Request.ToolConfig.FunctionCallingConfig.Mode)
}

func TestTranslateNoToolsNoConfig(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{Model: "gemini-2.5-flash", Messages: []api.Message{textMsg("user", "q")}}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.Nil(t, env.Request.Tools)
	require.Nil(t, env.Request.ToolConfig)
}

func TestTranslateInputErrors(t *testing.T) {
	tr := newTestTranslator(Options{})
	for _, tc := range []struct {
		name string
		req  *api.MessagesRequest
	}{
		{"missing model", &api.MessagesRequest{Messages: []api.Message{textMsg("user", "q")}}},
		{"no messages", &api.MessagesRequest{Model: "gemini-2.5-flash"}},
		{"bad role", &api.MessagesRequest{Model: "gemini-2.5-flash", Messages: []api.Message{textMsg("system", "q")}}},
		{"bad block type", &api.MessagesRequest{Model: "gemini-2.5-flash", Messages: []api.Message{
			{Role: "user", Content: api.Blocks{{Type: "video"}}},
		}}},
		{"unnamed tool", &api.MessagesRequest{Model: "gemini-2.5-flash", Tools: []api.Tool{{}},
			Messages: []api.Message{textMsg("user", "q")}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tr.Translate(tc.req, "p", "r", "s")
			require.Error(t, err)
			require.Equal(t, upstream.KindTranslationInput, upstream.KindOf(err))
		})
	}
}

func TestStripThinking(t *testing.T) {
	tr := newTestTranslator(Options{})
	req := &api.MessagesRequest{
		Model: "gemini-3-pro-preview",
		Messages: []api.Message{
			textMsg("user", "q"),
			{Role: "assistant", Content: api.Blocks{
				{Type: "thinking", Thinking: "t1", Signature: "S"},
				{Type: "text", Text: "a1"},
			}},
			textMsg("user", "next"),
		},
	}
	env, err := tr.Translate(req, "p", "r", "s")
	require.NoError(t, err)
	require.True(t, env.Request.GenerationConfig.ThinkingConfig.IncludeThoughts)

	StripThinking(env)

	want := []upstream.Content{
		{Role: "user", Parts: []upstream.Part{{Text: "q"}}},
		{Role: "model", Parts: []upstream.Part{{Text: "a1"}}},
		{Role: "user", Parts: []upstream.Part{{Text: "next"}}},
	}
	if diff := cmp.Diff(want, env.Request.Contents); diff != "" {
		t.Fatalf("unexpected contents after strip (-want, +got): %s", diff)
	}
	require.False(t, env.Request.GenerationConfig.ThinkingConfig.IncludeThoughts)
	require.Zero(t, env.Request.GenerationConfig.ThinkingConfig.ThinkingBudget)
}

func TestStripThinkingDropsEmptiedTurnsAndMerges(t *testing.T) {
	env := &upstream.Envelope{Request: &upstream.GenerateRequest{
		Contents: []upstream.Content{
			{Role: "user", Parts: []upstream.Part{{Text: "q1"}}},
			{Role: "model", Parts: []upstream.Part{{Text: "t", Thought: true, ThoughtSignature: "S"}}},
			{Role: "user", Parts: []upstream.Part{{Text: "q2"}}},
		},
		GenerationConfig: &upstream.GenerationConfig{
			ThinkingConfig: &upstream.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: 1024},
		},
	}}

	StripThinking(env)

	want := []upstream.Content{
		{Role: "user", Parts: []upstream.Part{{Text: "q1"}, {Text: "q2"}}},
	}
	if diff := cmp.Diff(want, env.Request.Contents); diff != "" {
		t.Fatalf("unexpected contents after strip (-want, +got): %s", diff)
	}
}
