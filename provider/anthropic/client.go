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

// Package anthropic implements provider.Caller against the Anthropic
// Messages API, for generic-LLM translation requests (KindLLMBatchable
// and KindSimple providers, not the stateful GenAI conversation path).
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/immersivetranslate/dispatch-core/requestqueue"
)

// Config holds the Anthropic client configuration.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// NewConfig fills in a sane default model and token budget for short
// translation completions.
func NewConfig(apiKey string) Config {
	return Config{APIKey: apiKey, Model: "claude-3-5-haiku-latest", MaxTokens: 2048}
}

// Client translates text through the Anthropic Messages API.
type Client struct {
	api   anthropic.Client
	model string
	maxTokens int64
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	return newWithOptions(cfg, option.WithAPIKey(cfg.APIKey))
}

// newWithOptions builds a Client with extra request options spliced in
// ahead of the API key, letting tests point the SDK at an httptest.Server.
func newWithOptions(cfg Config, opts ...option.RequestOption) *Client {
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	return &Client{
		api:       anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: maxTokens,
	}
}

func prompt(text, sourceLang, targetLang string) string {
	var b strings.Builder
	b.WriteString("Translate the following text from ")
	b.WriteString(sourceLang)
	b.WriteString(" to ")
	b.WriteString(targetLang)
	b.WriteString(". Reply with the translation only, no commentary.\n\n")
	b.WriteString(text)
	return b.String()
}

// Translate satisfies provider.Caller. Transport errors and 5xx-class
// provider errors are wrapped with requestqueue.MakeRetryable so the
// request queue's backoff table retries them automatically.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt(text, sourceLang, targetLang))),
		},
	})
	if err != nil {
		if isRetryableStatus(err) {
			return "", requestqueue.MakeRetryable(fmt.Errorf("anthropic: %w", err))
		}
		return "", fmt.Errorf("anthropic: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("anthropic: empty response")
	}
	return out.String(), nil
}

func isRetryableStatus(err error) bool {
	var apiErr *anthropic.Error
	if ok := asAnthropicError(err, &apiErr); ok {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func asAnthropicError(err error, target **anthropic.Error) bool {
	for err != nil {
		if e, ok := err.(*anthropic.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
