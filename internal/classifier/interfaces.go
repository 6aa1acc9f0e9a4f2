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
	"context"
	"net/http"

	"github.com/sashabaranov/go-openai"

	"dataworks/internal/task"
)

// Classifier turns a free-text task description into an intent.
type Classifier interface {
	Classify(ctx context.Context, text string) (task.Intent, error)
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, text string) (task.Intent, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, text string) (task.Intent, error) {
	return f(ctx, text)
}

// ChatClient abstracts the OpenAI client for testing.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Verify that openai.Client implements ChatClient at compile time.
var _ ChatClient = (*openai.Client)(nil)

// NewClient creates an OpenAI-compatible client. A non-empty apiURL replaces
// the default base URL, which is how proxies are configured.
func NewClient(apiKey, apiURL string) *openai.Client {
	clientConfig := openai.DefaultConfig(apiKey)
	if apiURL != "" {
		clientConfig.BaseURL = apiURL
		clientConfig.HTTPClient = &http.Client{}
	}
	return openai.NewClientWithConfig(clientConfig)
}
