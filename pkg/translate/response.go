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
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/tokens"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

// TranslateResponse converts one complete upstream generation into a client
// message. Signatures found on any part are captured into the cache so later
// turns can re-attach them.
func (t *Translator) TranslateResponse(raw []byte, model, requestID string, inputTokens int) (*api.MessagesResponse, error) {
	root := gjson.GetBytes(raw, "response")
	if !root.Exists() {
		root = gjson.ParseBytes(raw)
	}
	candidate := root.Get("candidates.0")
	if !candidate.Exists() {
		return nil, &upstream.Error{Kind: upstream.KindTransient, Op: "translate_response", Reason: "upstream response has no candidates"}
	}

	var blocks []api.OutputBlock
	lastThinking := -1
	hasToolUse := false
	for _, part := range candidate.Get("content.parts").Array() {
		sig := part.Get("thoughtSignature").String()
		switch {
		case part.Get("functionCall").Exists():
			fc := part.Get("functionCall")
			id := fc.Get("id").String()
			if id == "" {
				id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
			}
			args := json.RawMessage(fc.Get("args").Raw)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			if sig != "" {
				t.sigs.RememberToolCall(id, sig)
			}
			hasToolUse = true
			blocks = append(blocks, api.OutputBlock{Type: "tool_use", ID: id, Name: fc.Get("name").String(), Input: args})
		case part.Get("thought").Bool():
			text := part.Get("text").String()
			if sig != "" {
				t.sigs.RememberText(text, sig)
			}
			lastThinking = len(blocks)
			blocks = append(blocks, api.OutputBlock{Type: "thinking", Thinking: text, Signature: sig})
		default:
			text := part.Get("text").String()
			// Signatures may ride a plain text part while the thought text
			// came earlier; surface them on the thinking block they belong to.
			if sig != "" && lastThinking >= 0 && blocks[lastThinking].Signature == "" {
				blocks[lastThinking].Signature = sig
				t.sigs.RememberText(blocks[lastThinking].Thinking, sig)
			}
			if text == "" {
				continue
			}
			blocks = append(blocks, api.OutputBlock{Type: "text", Text: text})
		}
	}

	stopReason := "end_turn"
	switch {
	case candidate.Get("finishReason").String() == "MAX_TOKENS":
		stopReason = "max_tokens"
	case hasToolUse:
		stopReason = "tool_use"
	}

	usage := api.Usage{
		InputTokens:  int(root.Get("usageMetadata.promptTokenCount").Int()),
		OutputTokens: int(root.Get("usageMetadata.candidatesTokenCount").Int()),
	}
	if usage.InputTokens == 0 {
		usage.InputTokens = inputTokens
	}
	if usage.OutputTokens == 0 {
		usage.OutputTokens = estimateBlocks(blocks)
	}

	return &api.MessagesResponse{
		ID:         "msg_" + requestID,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    blocks,
		StopReason: stopReason,
		Usage:      usage,
	}, nil
}

func estimateBlocks(blocks []api.OutputBlock) int {
	n := 0
	for _, b := range blocks {
		switch b.Type {
		case "text":
			n += tokens.Estimate(b.Text)
		case "thinking":
			n += tokens.Estimate(b.Thinking)
		case "tool_use":
			n += tokens.Estimate(string(b.Input))
		}
	}
	return n
}
