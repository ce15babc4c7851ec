// Copyright 2026 immersivetranslate
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sse decodes the "data: {...}" event stream GenAI providers use
// for chat responses. Consecutive "data: " lines belonging to the same
// event (no blank line between them) are joined with newlines before
// parsing, per the SSE wire format. It decodes strictly first and, when
// an event's JSON payload is malformed, falls back to lenient field
// extraction rather than aborting the whole stream over one bad chunk.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/immersivetranslate/dispatch-core/xlate"
)

const dataPrefix = "data: "

// doneMarker is the sentinel payload providers send to signal the stream
// has ended, mirrored from the SSE convention used across chat APIs.
const doneMarker = "[DONE]"

// completionStatuses are the status/response-code values that mark a
// chunk as the terminal one for its message, beyond the bare [DONE]
// marker and an explicit "done" field.
var completionStatuses = map[string]bool{
	"FINAL_ANSWER": true,
	"SUCCESS":      true,
	"R20000":       true,
	"DONE":         true,
	"COMPLETED":    true,
	"COMPLETE":     true,
}

func isCompletionStatus(s string) bool { return s != "" && completionStatuses[s] }

// isContentStatus reports whether status marks a chunk as carrying
// streamed text, as opposed to a routing/error/completion signal.
func isContentStatus(s string) bool { return s == "CHUNK" || s == "STREAM" }

// Event is a single decoded stream chunk.
type Event struct {
	ID      string
	Content string
	Code    string
	Done    bool

	// Malformed is set when the event's JSON failed strict decoding and
	// the fields above were recovered via lenient extraction instead.
	Malformed bool
}

// wireEvent covers the idealized {id, content, code, done} shape plus
// the field aliases real backends send for the same concepts: the event
// id under several guid-flavored names, and the event's routing status
// under several status/response-code-flavored names (including nested
// inside a processing_content entry).
type wireEvent struct {
	GUID             string `json:"guid"`
	ID               string `json:"id"`
	MessageGUID      string `json:"message_guid"`
	MessageGUIDCamel string `json:"messageGuid"`
	ResponseGUID     string `json:"response_guid"`
	ResponseGUIDCamel string `json:"responseGuid"`

	EventStatus      string `json:"event_status"`
	EventStatusCamel string `json:"eventStatus"`
	Status           string `json:"status"`
	ResponseCode       string `json:"response_code"`
	ResponseCodeCamel  string `json:"responseCode"`

	ProcessingContent []struct {
		EventStatus string `json:"event_status"`
	} `json:"processing_content"`

	Content string `json:"content"`
	Code    string `json:"code"`
	Done    bool   `json:"done"`
}

func (w wireEvent) toEvent() Event {
	id := firstNonEmpty(w.GUID, w.ID, w.MessageGUID, w.MessageGUIDCamel, w.ResponseGUID, w.ResponseGUIDCamel)

	status := firstNonEmpty(w.EventStatus, w.EventStatusCamel, w.Status)
	if status == "" {
		for _, pc := range w.ProcessingContent {
			if pc.EventStatus != "" {
				status = pc.EventStatus
				break
			}
		}
	}
	code := firstNonEmpty(w.ResponseCode, w.ResponseCodeCamel, w.Code)

	ev := Event{ID: id, Done: w.Done}
	if isCompletionStatus(status) || isCompletionStatus(code) {
		ev.Done = true
	}
	if code != "" {
		ev.Code = code
	} else if status != "" && !isContentStatus(status) {
		ev.Code = status
	}
	if code == "" && (status == "" || isContentStatus(status)) {
		ev.Content = w.Content
	}
	return ev
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// guidPattern recovers an id from text too broken for even gjson's
// tolerant field lookups to locate a "guid" key in.
var guidPattern = regexp.MustCompile(`"guid"\s*:\s*"([^"]+)"`)

// Decoder reads Events off an underlying stream, accumulating
// consecutive "data: " lines into one event and splitting on blank
// lines the way the SSE framing requires.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r for event-by-event decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event, io.EOF once the stream is exhausted
// cleanly, or a decode error. Lines with no "data: " prefix (SSE
// comments and keep-alives take this shape) are skipped without
// terminating an event already in progress. A blank line marks the
// boundary between events: every "data: " line since the last boundary
// is joined with "\n" and parsed as one payload. A payload that cannot
// be parsed at all (neither strictly nor leniently) is returned as an
// error only when even the fallback path cannot recover an id, since
// the caller needs an id to route content back to the right stream.
func (d *Decoder) Next() (Event, error) {
	var buf []string
	for {
		line, rerr := d.r.ReadBytes('\n')
		trimmed := bytes.TrimRight(line, "\r\n")
		eof := rerr == io.EOF

		if len(trimmed) == 0 {
			if len(buf) > 0 {
				return d.emit(buf)
			}
		} else if bytes.HasPrefix(trimmed, []byte(dataPrefix)) {
			buf = append(buf, string(trimmed[len(dataPrefix):]))
		}

		if eof {
			if len(buf) > 0 {
				return d.emit(buf)
			}
			return Event{}, io.EOF
		}
		if rerr != nil {
			return Event{}, fmt.Errorf("sse: read stream: %w", rerr)
		}
	}
}

func (d *Decoder) emit(buf []string) (Event, error) {
	payload := strings.Join(buf, "\n")
	if payload == doneMarker {
		return Event{Done: true}, nil
	}
	return parsePayload([]byte(payload))
}

func parsePayload(payload []byte) (Event, error) {
	var w wireEvent
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err == nil {
		return w.toEvent(), nil
	}

	return parsePayloadLenient(payload)
}

// parsePayloadLenient recovers id/content/status fields from a payload
// that failed strict decoding (trailing commas, an extra unterminated
// object, duplicate keys: the kinds of breakage real GenAI backends emit
// under load). gjson parses structurally-broken JSON that encoding/json
// rejects outright, at the cost of silently returning empty strings for
// fields it cannot locate; a dedicated guid regex is the last resort
// when even gjson's lookup comes up empty.
func parsePayloadLenient(payload []byte) (Event, error) {
	text := string(payload)
	id := firstNonEmptyGJSON(text, "guid", "id", "message_guid", "messageGuid", "response_guid", "responseGuid")
	if id == "" {
		if m := guidPattern.FindStringSubmatch(text); len(m) == 2 {
			id = m[1]
		}
	}
	if id == "" {
		return Event{}, errors.Join(xlate.ErrStreamMissingID, fmt.Errorf("sse: malformed payload %q", text))
	}

	status := firstNonEmptyGJSON(text, "event_status", "eventStatus", "status")
	if status == "" {
		status = gjson.Get(text, "processing_content.0.event_status").String()
	}
	code := firstNonEmptyGJSON(text, "response_code", "responseCode", "code")

	ev := Event{ID: id, Malformed: true}
	if isCompletionStatus(status) || isCompletionStatus(code) {
		ev.Done = true
	}
	if code != "" {
		ev.Code = code
	} else if status != "" && !isContentStatus(status) {
		ev.Code = status
	}
	if code == "" && (status == "" || isContentStatus(status)) {
		ev.Content = gjson.Get(text, "content").String()
	}
	if !ev.Done {
		ev.Done = gjson.Get(text, "done").Bool()
	}
	return ev, nil
}

func firstNonEmptyGJSON(text string, keys ...string) string {
	for _, k := range keys {
		if v := gjson.Get(text, k); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
