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

// Package api defines the client-facing message schema: requests with typed
// content blocks (text, images, thinking, tool use, tool results) and the
// response envelope. Fields that clients commonly send in loose forms
// (string-or-array content, non-numeric token limits) unmarshal tolerantly.
package api

import (
	"encoding/json"
	"strconv"
	"strings"
)

// MessagesRequest is the request body of POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	MaxTokens     FlexTokens      `json:"max_tokens,omitempty"`
	Thinking      *ThinkingParam  `json:"thinking,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// ThinkingParam mirrors the client schema; the gateway derives thinking
// enablement from the model name, so this is accepted but advisory.
type ThinkingParam struct {
	Type         string `json:"type,omitempty"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content Blocks `json:"content"`
}

// Blocks is a message content list. A bare JSON string unmarshals as a single
// text block.
type Blocks []ContentBlock

func (b *Blocks) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*b = Blocks{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*b = blocks
	return nil
}

// ContentBlock is a typed fragment of a message. Which fields are meaningful
// depends on Type: text, image, thinking, redacted_thinking, tool_use,
// tool_result.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
	Source    *ImageSource    `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ImageSource carries image payloads, either inline base64 or by URL.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool declares a callable function with a JSON schema for its input.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// SystemPrompt accepts either a bare string or an array of text blocks, which
// are joined with newlines.
type SystemPrompt string

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = SystemPrompt(str)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	*s = SystemPrompt(strings.Join(parts, "\n"))
	return nil
}

// FlexTokens is a token limit that tolerates absent or non-numeric values,
// which decode to zero. Callers apply their default on zero.
type FlexTokens int

func (f *FlexTokens) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexTokens(int(n))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*f = FlexTokens(n)
			return nil
		}
	}
	*f = 0
	return nil
}

// FlattenToolResult renders a tool_result payload to plain text. The payload
// may be a bare string, an array of typed text fragments (joined with
// newlines), or any other JSON value, which is passed through verbatim.
func FlattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var fragments []ContentBlock
	if err := json.Unmarshal(raw, &fragments); err == nil {
		var parts []string
		for _, f := range fragments {
			if f.Type == "text" {
				parts = append(parts, f.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

// MessagesResponse is the non-stream reply of POST /v1/messages.
type MessagesResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Role         string        `json:"role"`
	Model        string        `json:"model"`
	Content      []OutputBlock `json:"content"`
	StopReason   string        `json:"stop_reason"`
	StopSequence *string       `json:"stop_sequence"`
	Usage        Usage         `json:"usage"`
}

// OutputBlock is a produced content block: text, thinking, or tool_use.
type OutputBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
}

// Usage is the token accounting attached to responses.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensResponse exposes the estimate under three equal aliases.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
	TokenCount  int `json:"token_count"`
	Tokens      int `json:"tokens"`
}

// ErrorResponse is the error envelope for all client-facing failures.
type ErrorResponse struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// ErrorDetail names the error class and a human-readable message.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
