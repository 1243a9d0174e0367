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

// Package tokens provides character-based token estimation for usage
// accounting and the per-project usage ledger backing the hourly cap.
// Estimates are approximate; billing-grade counting is out of scope.
package tokens

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
)

// Estimate approximates the token count of text as one token per four
// characters, with a minimum of one.
func Estimate(text string) int {
	if text == "" {
		return 1
	}
	return (len(text) + 3) / 4
}

// EstimateRequest renders the full request to plain text and estimates it:
// every message block, the system prompt, and the tools JSON. Tool calls
// render as <invoke name="N">{json}</invoke>, tool results as
// <tool_result id="I">content</tool_result>.
func EstimateRequest(req *api.MessagesRequest) int {
	var sb strings.Builder
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			renderBlock(&sb, block)
		}
	}
	if req.System != "" {
		sb.WriteString(string(req.System))
	}
	if len(req.Tools) > 0 {
		if raw, err := json.Marshal(req.Tools); err == nil {
			sb.Write(raw)
		}
	}
	return Estimate(sb.String())
}

func renderBlock(sb *strings.Builder, block api.ContentBlock) {
	switch block.Type {
	case "text":
		sb.WriteString(block.Text)
	case "thinking":
		sb.WriteString(block.Thinking)
	case "tool_use":
		fmt.Fprintf(sb, `<invoke name=%q>%s</invoke>`, block.Name, string(block.Input))
	case "tool_result":
		fmt.Fprintf(sb, `<tool_result id=%q>%s</tool_result>`, block.ToolUseID, api.FlattenToolResult(block.Content))
	}
}
