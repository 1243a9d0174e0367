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

package upstream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// Kind classifies gateway errors by required handling, not by type.
type Kind int

const (
	// KindTransient covers network failures, 5xx and timeouts; the caller
	// advances to the next credential up to the attempt cap.
	KindTransient Kind = iota
	// KindAuthDead marks a credential permanently unusable (OAuth or project
	// discovery rejected it); the caller disables and persists.
	KindAuthDead
	// KindQuotaExhausted is an upstream rejection carrying a reset timestamp;
	// the caller installs a cooldown and reselects.
	KindQuotaExhausted
	// KindTranslationInput is a client schema violation; surfaced as 4xx.
	KindTranslationInput
	// KindPoolExhausted means no usable credential after one full round; 503.
	KindPoolExhausted
	// KindBadSignature is the upstream rejecting a stale or missing thought
	// signature; the caller may retry once with thinking stripped.
	KindBadSignature
)

func (k Kind) String() string {
	switch k {
	case KindAuthDead:
		return "auth_dead"
	case KindQuotaExhausted:
		return "quota_exhausted"
	case KindTranslationInput:
		return "translation_input"
	case KindPoolExhausted:
		return "pool_exhausted"
	case KindBadSignature:
		return "bad_signature"
	default:
		return "transient"
	}
}

// Error is the classified error carried through the selection loop.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Reason     string
	ResetAt    time.Time
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the kind from err, defaulting to transient for anything
// unclassified.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindTransient
}

// ResetAtOf returns the quota reset time carried by err, or zero.
func ResetAtOf(err error) time.Time {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.ResetAt
	}
	return time.Time{}
}

// ReasonOf returns the reason label carried by err, or the empty string.
func ReasonOf(err error) string {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}

// defaultQuotaCooldown applies when an exhaustion response carries no usable
// reset timestamp.
const defaultQuotaCooldown = 5 * time.Minute

// classify maps an upstream HTTP rejection to an Error. retryable is the
// configured retry-status set; authSensitive marks operations where 400/403
// indicate a dead credential rather than a bad request.
func classify(op string, status int, body []byte, retryable map[int]bool, authSensitive bool) *Error {
	if authSensitive && (status == 400 || status == 403) {
		return &Error{Kind: KindAuthDead, Op: op, StatusCode: status, Err: errors.New(trim(body))}
	}
	if status == 429 || exhaustedStatus(body) {
		resetAt, reason := parseQuotaReset(body)
		return &Error{Kind: KindQuotaExhausted, Op: op, StatusCode: status, Reason: reason, ResetAt: resetAt, Err: errors.New(trim(body))}
	}
	if status == 400 && isThoughtSignatureBody(body) {
		return &Error{Kind: KindBadSignature, Op: op, StatusCode: status, Err: errors.New(trim(body))}
	}
	if retryable[status] || status >= 500 {
		return &Error{Kind: KindTransient, Op: op, StatusCode: status, Err: errors.New(trim(body))}
	}
	return &Error{Kind: KindTranslationInput, Op: op, StatusCode: status, Err: errors.New(trim(body))}
}

// exhaustedStatus reports whether the error body names quota exhaustion even
// under a non-429 status.
func exhaustedStatus(body []byte) bool {
	status := gjson.GetBytes(body, "error.status").String()
	return status == "RESOURCE_EXHAUSTED" || status == "QUOTA_EXHAUSTED"
}

// parseQuotaReset extracts the reset timestamp and reason from an exhaustion
// body. The timestamp appears in error.details[].metadata.quotaResetTimeStamp
// as RFC3339 or epoch seconds; absent or unparsable values fall back to a
// fixed cooldown from now.
func parseQuotaReset(body []byte) (time.Time, string) {
	reason := gjson.GetBytes(body, "error.status").String()
	if reason == "" {
		reason = "RESOURCE_EXHAUSTED"
	}
	var resetAt time.Time
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		raw := detail.Get("metadata.quotaResetTimeStamp").String()
		if raw == "" {
			return true
		}
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			resetAt = ts
			return false
		}
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
			resetAt = time.Unix(secs, 0)
			return false
		}
		return true
	})
	if resetAt.IsZero() {
		resetAt = time.Now().Add(defaultQuotaCooldown)
	}
	return resetAt, reason
}

// isThoughtSignatureBody matches the upstream complaint about an invalid or
// missing thought signature on a continuation request.
func isThoughtSignatureBody(body []byte) bool {
	msg := strings.ToLower(gjson.GetBytes(body, "error.message").String())
	if msg == "" {
		msg = strings.ToLower(string(body))
	}
	for _, marker := range []string{
		"invalid `signature`",
		"thinking.signature",
		"thinking.thinking",
		"corrupted thought signature",
		"failed to deserialise",
		"thought signature",
		"thought_signature",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func trim(body []byte) string {
	const max = 512
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
