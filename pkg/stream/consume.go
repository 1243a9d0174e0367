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

package stream

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/api"
	"github.com/GoogleCloudPlatform/antigravity-gateway/pkg/upstream"
)

// maxLineBytes bounds a single upstream SSE line.
const maxLineBytes = 1 << 20

// Consume reads the upstream SSE body and relays it through the emitter
// until the stream ends, the context is cancelled, or the client goes away.
// On a clean end it emits the closing events with the upstream-reported
// usage; thought signatures seen along the way are recorded in the cache.
func (s *Streamer) Consume(ctx context.Context, r io.Reader, em *Emitter) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		usage    api.Usage
		thinking strings.Builder
	)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if em.Failed() {
			return errors.New("client stream closed")
		}
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		root := gjson.Parse(data)
		if inner := root.Get("response"); inner.Exists() {
			root = inner
		}
		if msg := root.Get("error.message"); msg.Exists() {
			em.SendError(msg.String())
			return &upstream.Error{Kind: upstream.KindTransient, Op: "stream", Reason: msg.String()}
		}
		if um := root.Get("usageMetadata"); um.Exists() {
			usage = api.Usage{
				InputTokens:  int(um.Get("promptTokenCount").Int()),
				OutputTokens: int(um.Get("candidatesTokenCount").Int()),
			}
		}

		var calls []ToolCall
		for _, part := range root.Get("candidates.0.content.parts").Array() {
			sig := part.Get("thoughtSignature").String()
			switch {
			case part.Get("functionCall").Exists():
				fc := part.Get("functionCall")
				id := fc.Get("id").String()
				if id == "" {
					id = "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				}
				if sig != "" {
					s.sigs.RememberToolCall(id, sig)
				}
				calls = append(calls, ToolCall{ID: id, Name: fc.Get("name").String(), Args: fc.Get("args").Raw})
			case part.Get("thought").Bool():
				text := part.Get("text").String()
				em.SendThinking(text)
				thinking.WriteString(text)
				if sig != "" {
					s.sigs.RememberText(thinking.String(), sig)
				}
			default:
				// Signatures can trail the thought on a later plain part.
				if sig != "" && thinking.Len() > 0 {
					s.sigs.RememberText(thinking.String(), sig)
				}
				em.SendText(part.Get("text").String())
			}
		}
		if len(calls) > 0 {
			em.SendToolCalls(calls)
		}
	}
	if err := sc.Err(); err != nil {
		em.SendError("upstream stream interrupted")
		return errors.Wrap(err, "reading upstream stream")
	}
	em.Finish(usage)
	return nil
}
