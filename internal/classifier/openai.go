// Copyright (C) 2025 Dyne.org foundation
// designed, written and maintained by Denis Roio <jaromil@dyne.org>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	apperrors "dataworks/internal/errors"
	"dataworks/internal/task"
	systemprompt "dataworks/system_prompt"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

// toolNameKey is the reply field naming the chosen operation.
const toolNameKey = "tool-name"

// OpenAI classifies tasks with a chat completion whose system prompt lists
// every registered operation.
type OpenAI struct {
	client ChatClient
	model  string
	prompt string
	logger zerolog.Logger
}

// NewOpenAI builds a classifier for the given operations. client may be nil
// when no credentials are configured; Classify then fails with a
// classification error.
func NewOpenAI(client ChatClient, model string, ops []*task.Descriptor, logger zerolog.Logger) (*OpenAI, error) {
	if model == "" {
		model = DefaultModel
	}
	catalog, err := RenderCatalog(ops)
	if err != nil {
		return nil, err
	}
	prompt, err := systemprompt.Compose(catalog)
	if err != nil {
		return nil, err
	}
	return &OpenAI{client: client, model: model, prompt: prompt, logger: logger}, nil
}

// Prompt returns the system prompt sent with every request.
func (c *OpenAI) Prompt() string {
	return c.prompt
}

// Classify sends text to the model and parses its reply.
func (c *OpenAI) Classify(ctx context.Context, text string) (task.Intent, error) {
	if strings.TrimSpace(text) == "" {
		return task.Intent{}, apperrors.Classification("task description is empty", nil)
	}
	if c.client == nil {
		return task.Intent{}, apperrors.Classification("classifier is not configured: set OPENAI_API_KEY or AIPROXY_TOKEN", nil)
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		// A zero temperature is dropped by omitempty.
		Temperature: math.SmallestNonzeroFloat32,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return task.Intent{}, apperrors.Classification("classifier request failed", err)
	}
	if len(resp.Choices) == 0 {
		return task.Intent{}, apperrors.Classification("classifier returned no choices", nil)
	}

	content := resp.Choices[0].Message.Content
	c.logger.Debug().
		Str("model", c.model).
		Dur("duration", time.Since(start)).
		Str("reply", content).
		Msg("classifier reply")

	return ParseReply(content)
}

// ParseReply decodes a classifier reply into an intent.
func ParseReply(content string) (task.Intent, error) {
	body := stripCodeFence(content)
	if body == "" {
		return task.Intent{}, apperrors.Classification("classifier returned an empty reply", nil)
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return task.Intent{}, apperrors.Classification("classifier reply is not a JSON object", err)
	}

	if refusal, ok := fields["err"]; ok && refusal != nil {
		return task.Intent{}, apperrors.Classification(fmt.Sprintf("classifier rejected the task: %v", refusal), nil)
	}

	name, ok := fields[toolNameKey].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return task.Intent{}, apperrors.Classification(fmt.Sprintf("classifier reply has no %q field", toolNameKey), nil)
	}

	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if k == toolNameKey {
			continue
		}
		args[k] = v
	}
	return task.Intent{Operation: strings.TrimSpace(name), Args: args}, nil
}

func stripCodeFence(content string) string {
	body := strings.TrimSpace(content)
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}

// RenderCatalog lists operations with their JSON parameter schemas.
func RenderCatalog(ops []*task.Descriptor) (string, error) {
	var buf bytes.Buffer
	for i, d := range ops {
		params, err := json.Marshal(d.Parameters)
		if err != nil {
			return "", fmt.Errorf("render parameters of %s: %w", d.ID, err)
		}
		fmt.Fprintf(&buf, "%d. %s: %s\n   Parameters: %s\n", i+1, d.ID, d.Summary, params)
	}
	return buf.String(), nil
}
