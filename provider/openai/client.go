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

// Package openai implements provider.Caller against the OpenAI chat
// completions API, exercising the same batch-queue/request-queue path as
// provider/anthropic with a different wire format.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/immersivetranslate/dispatch-core/requestqueue"
)

// Config holds the OpenAI client configuration.
type Config struct {
	APIKey  string
	BaseURL string // optional, for OpenAI-compatible endpoints
	Model   string
}

// NewConfig fills in a cost-efficient default model for short
// translation completions.
func NewConfig(apiKey string) Config {
	return Config{APIKey: apiKey, Model: "gpt-4o-mini"}
}

// Client translates text through the OpenAI chat completions API.
type Client struct {
	api   openai.Client
	model string
}

// New constructs a Client from cfg.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{api: openai.NewClient(opts...), model: cfg.Model}
}

func systemPrompt(sourceLang, targetLang string) string {
	return fmt.Sprintf("You translate text from %s to %s. Reply with the translation only, no commentary.", sourceLang, targetLang)
}

// Translate satisfies provider.Caller.
func (c *Client) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	resp, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt(sourceLang, targetLang)),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		if isRetryableStatus(err) {
			return "", requestqueue.MakeRetryable(fmt.Errorf("openai: %w", err))
		}
		return "", fmt.Errorf("openai: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty response")
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return "", fmt.Errorf("openai: empty completion")
	}
	return out, nil
}

func isRetryableStatus(err error) bool {
	var apiErr *openai.Error
	if ok := asOpenAIError(err, &apiErr); ok {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

func asOpenAIError(err error, target **openai.Error) bool {
	for err != nil {
		if e, ok := err.(*openai.Error); ok {
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
