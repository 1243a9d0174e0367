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

// Package translate converts between the client message schema and the
// upstream content-part schema: request translation with thought-signature
// carry-through and tool schema cleaning, and response translation back into
// content blocks.
package translate

import (
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/models"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

// redactedThinkingText replaces redacted thinking blocks upstream.
const redactedThinkingText = "[思考内容已隐藏]"

// DefaultStopSequences are always sent so the model cannot emit raw
// turn-protocol markers.
var DefaultStopSequences = []string{
	"<|user|>", "<|bot|>", "<|context_request|>", "<|endoftext|>", "<|end_of_turn|>",
}

// Options configure request translation. Zero values fall back to the
// deployment defaults.
type Options struct {
	// UserAgent is sent in the envelope's userAgent field.
	UserAgent string
	// SystemInstruction is used when the client sends no system prompt.
	SystemInstruction string
	MaxImages         int
	// Sampling defaults applied when the client omits the parameter.
	DefaultTemperature *float64
	DefaultTopP        *float64
	DefaultTopK        *int
	DefaultMaxTokens   int
	StopSequences      []string
	ThinkingBudget     int
}

func (o *Options) defaults() {
	if o.UserAgent == "" {
		o.UserAgent = "antigravity/1.11.3"
	}
	if o.MaxImages <= 0 {
		o.MaxImages = 8
	}
	if o.DefaultMaxTokens <= 0 {
		o.DefaultMaxTokens = 64000
	}
	if len(o.StopSequences) == 0 {
		o.StopSequences = DefaultStopSequences
	}
	if o.ThinkingBudget <= 0 {
		o.ThinkingBudget = 1024
	}
}

// Translator builds upstream envelopes from client requests. It owns the
// thought-signature cache shared with response handling.
type Translator struct {
	logger log.Logger
	opts   Options
	sigs   *Cache
}

func New(logger log.Logger, opts Options, sigs *Cache) *Translator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if sigs == nil {
		sigs = NewCache()
	}
	opts.defaults()
	return &Translator{logger: logger, opts: opts, sigs: sigs}
}

// Signatures exposes the shared signature cache.
func (t *Translator) Signatures() *Cache { return t.sigs }

// Translate converts one client request into the upstream envelope for the
// given project, request, and session.
func (t *Translator) Translate(req *api.MessagesRequest, projectID, requestID, sessionID string) (*upstream.Envelope, error) {
	if req.Model == "" {
		return nil, inputErr("model: required")
	}
	if len(req.Messages) == 0 {
		return nil, inputErr("messages: at least one message required")
	}

	enableThinking := models.WantsThinking(req.Model)
	supportsSignature := models.SupportsSignature(req.Model)

	var contents []upstream.Content
	imagesSeen := 0
	for i, msg := range req.Messages {
		role, err := mapRole(msg.Role, i)
		if err != nil {
			return nil, err
		}
		parts, err := t.parts(msg, i, &imagesSeen, contents)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			continue
		}
		if msg.Role == "assistant" && supportsSignature {
			attachSignature(parts, t.turnSignature(msg))
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		} else {
			contents = append(contents, upstream.Content{Role: role, Parts: parts})
		}
	}
	if len(contents) == 0 {
		return nil, inputErr("messages: no translatable content")
	}

	// The upstream rejects thinking continuations without valid signatures
	// and requires thoughts-first layout in the final model turn.
	if enableThinking {
		if t.historyHasUnsignedThinking(req.Messages) {
			enableThinking = false
			_ = level.Debug(t.logger).Log("msg", "thinking disabled, history has unsigned thinking")
		} else if li := lastModelTurn(contents); li >= 0 {
			if !hasThought(contents[li].Parts) {
				enableThinking = false
				_ = level.Debug(t.logger).Log("msg", "thinking disabled, last model turn has no thoughts")
			} else {
				contents[li].Parts = thoughtsFirst(contents[li].Parts)
			}
		}
	}

	sysText := t.opts.SystemInstruction
	if s := string(req.System); s != "" {
		sysText = s
	}
	var sysContent *upstream.Content
	if sysText != "" {
		sysContent = &upstream.Content{Role: "user", Parts: []upstream.Part{{Text: sysText}}}
	}

	var tools []upstream.Tool
	var toolConfig *upstream.ToolConfig
	if len(req.Tools) > 0 {
		tools = make([]upstream.Tool, 0, len(req.Tools))
		for ti, tool := range req.Tools {
			if tool.Name == "" {
				return nil, inputErr(fmt.Sprintf("tools[%d].name: required", ti))
			}
			tools = append(tools, upstream.Tool{FunctionDeclarations: []upstream.FunctionDeclaration{{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  CleanSchema(tool.InputSchema),
			}}})
		}
		toolConfig = &upstream.ToolConfig{FunctionCallingConfig: &upstream.FunctionCallingConfig{Mode: "VALIDATED"}}
	}

	maxTokens := int(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = t.opts.DefaultMaxTokens
	}
	thinkingConfig := &upstream.ThinkingConfig{IncludeThoughts: false, ThinkingBudget: 0}
	if enableThinking {
		thinkingConfig = &upstream.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: t.opts.ThinkingBudget}
	}
	gc := &upstream.GenerationConfig{
		Temperature:     coalesceFloat(req.Temperature, t.opts.DefaultTemperature),
		TopP:            coalesceFloat(req.TopP, t.opts.DefaultTopP),
		TopK:            coalesceInt(req.TopK, t.opts.DefaultTopK),
		CandidateCount:  1,
		MaxOutputTokens: maxTokens,
		StopSequences:   mergeStops(t.opts.StopSequences, req.StopSequences),
		ThinkingConfig:  thinkingConfig,
	}
	if models.IsClaude(req.Model) && enableThinking {
		// The upstream rejects topP for Claude-family thinking calls.
		gc.TopP = nil
	}

	return &upstream.Envelope{
		Project:   projectID,
		RequestID: requestID,
		Model:     req.Model,
		UserAgent: t.opts.UserAgent,
		Request: &upstream.GenerateRequest{
			Contents:          contents,
			SystemInstruction: sysContent,
			Tools:             tools,
			ToolConfig:        toolConfig,
			GenerationConfig:  gc,
			SessionID:         sessionID,
		},
	}, nil
}

func (t *Translator) parts(msg api.Message, msgIdx int, imagesSeen *int, prior []upstream.Content) ([]upstream.Part, error) {
	var out []upstream.Part
	for j, block := range msg.Content {
		switch block.Type {
		case "text":
			out = append(out, upstream.Part{Text: block.Text})
		case "image":
			if part, ok := t.imagePart(block, msgIdx, j, imagesSeen); ok {
				out = append(out, part)
			}
		case "thinking":
			if block.Signature != "" {
				t.sigs.RememberText(block.Thinking, block.Signature)
			}
			out = append(out, upstream.Part{Text: block.Thinking, Thought: true})
		case "redacted_thinking":
			out = append(out, upstream.Part{Text: redactedThinkingText, Thought: true})
		case "tool_use":
			args := block.Input
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out = append(out, upstream.Part{FunctionCall: &upstream.FunctionCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			}})
		case "tool_result":
			out = append(out, t.toolResultPart(block, prior))
		default:
			return nil, inputErr(fmt.Sprintf("messages[%d].content[%d].type: unsupported block type %q", msgIdx, j, block.Type))
		}
	}
	return out, nil
}

func (t *Translator) imagePart(block api.ContentBlock, msgIdx, blockIdx int, imagesSeen *int) (upstream.Part, bool) {
	src := block.Source
	if src == nil || src.URL != "" || src.Type == "url" {
		_ = level.Warn(t.logger).Log("msg", "dropping image block, URL sources are unsupported", "message", msgIdx, "block", blockIdx)
		return upstream.Part{}, false
	}
	if src.Data == "" {
		_ = level.Warn(t.logger).Log("msg", "dropping image block without data", "message", msgIdx, "block", blockIdx)
		return upstream.Part{}, false
	}
	if *imagesSeen >= t.opts.MaxImages {
		_ = level.Warn(t.logger).Log("msg", "dropping image block, per-request limit reached", "limit", t.opts.MaxImages)
		return upstream.Part{}, false
	}
	*imagesSeen++
	mime := src.MediaType
	if mime == "" {
		mime = "image/png"
	}
	return upstream.Part{InlineData: &upstream.Blob{MimeType: mime, Data: src.Data}}, true
}

func (t *Translator) toolResultPart(block api.ContentBlock, prior []upstream.Content) upstream.Part {
	flattened := api.FlattenToolResult(block.Content)
	payload := map[string]string{"result": flattened}
	if block.IsError {
		payload = map[string]string{"error": flattened}
	}
	raw, _ := json.Marshal(payload)
	return upstream.Part{FunctionResponse: &upstream.FunctionResponse{
		ID:       block.ToolUseID,
		Name:     findCallName(prior, block.ToolUseID),
		Response: raw,
	}}
}

// turnSignature resolves the signature for one assistant message: the first
// explicit signature wins, then cached signatures by thought text or tool
// call id.
func (t *Translator) turnSignature(msg api.Message) string {
	for _, b := range msg.Content {
		if b.Type == "thinking" && b.Signature != "" {
			return b.Signature
		}
	}
	for _, b := range msg.Content {
		switch b.Type {
		case "thinking":
			if sig, ok := t.sigs.TextSignature(b.Thinking); ok {
				return sig
			}
		case "tool_use":
			if sig, ok := t.sigs.ToolCallSignature(b.ID); ok {
				return sig
			}
		}
	}
	return ""
}

func (t *Translator) historyHasUnsignedThinking(msgs []api.Message) bool {
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		for _, b := range m.Content {
			if b.Type != "thinking" || b.Signature != "" {
				continue
			}
			if _, ok := t.sigs.TextSignature(b.Thinking); ok {
				continue
			}
			return true
		}
	}
	return false
}

// attachSignature places the signature on exactly one part: the first
// function call, else the last non-thought text, else the last thought.
func attachSignature(parts []upstream.Part, sig string) {
	if sig == "" {
		return
	}
	for i := range parts {
		if parts[i].FunctionCall != nil {
			parts[i].ThoughtSignature = sig
			return
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		p := &parts[i]
		if !p.Thought && p.Text != "" && p.InlineData == nil && p.FunctionResponse == nil {
			p.ThoughtSignature = sig
			return
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i].Thought {
			parts[i].ThoughtSignature = sig
			return
		}
	}
}

func findCallName(contents []upstream.Content, id string) string {
	if id == "" {
		return ""
	}
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role != "model" {
			continue
		}
		for _, p := range contents[i].Parts {
			if p.FunctionCall != nil && p.FunctionCall.ID == id {
				return p.FunctionCall.Name
			}
		}
	}
	return ""
}

func lastModelTurn(contents []upstream.Content) int {
	for i := len(contents) - 1; i >= 0; i-- {
		if contents[i].Role == "model" {
			return i
		}
	}
	return -1
}

func hasThought(parts []upstream.Part) bool {
	for _, p := range parts {
		if p.Thought {
			return true
		}
	}
	return false
}

func thoughtsFirst(parts []upstream.Part) []upstream.Part {
	out := make([]upstream.Part, 0, len(parts))
	for _, p := range parts {
		if p.Thought {
			out = append(out, p)
		}
	}
	for _, p := range parts {
		if !p.Thought {
			out = append(out, p)
		}
	}
	return out
}

// StripThinking removes all thought parts and signatures from a translated
// envelope and switches thinking off, so a request the upstream rejected over
// a thought signature can be retried as a plain completion. Messages emptied
// by the strip are dropped and adjacent same-role messages re-merged.
func StripThinking(env *upstream.Envelope) {
	if env == nil || env.Request == nil {
		return
	}
	var contents []upstream.Content
	for _, c := range env.Request.Contents {
		var parts []upstream.Part
		for _, p := range c.Parts {
			if p.Thought {
				continue
			}
			p.ThoughtSignature = ""
			parts = append(parts, p)
		}
		if len(parts) == 0 {
			continue
		}
		if n := len(contents); n > 0 && contents[n-1].Role == c.Role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
		} else {
			contents = append(contents, upstream.Content{Role: c.Role, Parts: parts})
		}
	}
	env.Request.Contents = contents
	if gc := env.Request.GenerationConfig; gc != nil {
		gc.ThinkingConfig = &upstream.ThinkingConfig{IncludeThoughts: false, ThinkingBudget: 0}
	}
}

func mapRole(role string, idx int) (string, error) {
	switch role {
	case "assistant":
		return "model", nil
	case "user":
		return "user", nil
	default:
		return "", inputErr(fmt.Sprintf("messages[%d].role: unsupported role %q", idx, role))
	}
}

func mergeStops(defaults, extra []string) []string {
	out := make([]string, 0, len(defaults)+len(extra))
	seen := make(map[string]struct{}, len(defaults)+len(extra))
	for _, s := range defaults {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range extra {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func coalesceFloat(v, def *float64) *float64 {
	if v != nil {
		return v
	}
	return def
}

func coalesceInt(v, def *int) *int {
	if v != nil {
		return v
	}
	return def
}

func inputErr(reason string) error {
	return &upstream.Error{Kind: upstream.KindTranslationInput, Op: "translate", Reason: reason}
}
