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

package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/immersivetranslate/dispatch-core/requestqueue"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := NewConfig("test-key")
	cfg.BaseURL = srv.URL
	return New(cfg), srv
}

func TestTranslateReturnsCompletionContent(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"bonjour"},"finish_reason":"stop"}]}`))
	})
	defer srv.Close()

	text, err := c.Translate(context.Background(), "hello", "en", "fr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "bonjour" {
		t.Fatalf("got %q, want %q", text, "bonjour")
	}
}

func TestTranslateWrapsServerErrorAsRetryable(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	})
	defer srv.Close()

	_, err := c.Translate(context.Background(), "hello", "en", "fr")
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "openai") {
		t.Fatalf("expected openai-prefixed error, got: %v", err)
	}
	if !errors.Is(err, requestqueue.ErrRetryable) {
		t.Fatalf("expected a 500 to be wrapped as retryable, got: %v", err)
	}
}

func TestTranslateEmptyChoicesErrors(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"chatcmpl-2","object":"chat.completion","created":1,"model":"gpt-4o-mini","choices":[]}`))
	})
	defer srv.Close()

	_, err := c.Translate(context.Background(), "hello", "en", "fr")
	if err == nil {
		t.Fatal("expected an error for empty choices")
	}
}
