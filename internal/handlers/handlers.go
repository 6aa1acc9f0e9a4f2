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

package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"dataworks/internal/sandbox"
	"dataworks/internal/task"
)

// CatalogVersion identifies the set of operations registered by Register.
const CatalogVersion = "2025-01"

const (
	DefaultUserEmail          = "user@example.com"
	DefaultDatagenURL         = "https://raw.githubusercontent.com/sanand0/tools-in-data-science-public/tds-2025-01/project-1/datagen.py"
	DefaultChatModel          = "gpt-4o-mini"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultTranscriptionModel = openai.Whisper1
)

// ErrAIUnavailable is returned by operations that need the model API when no
// credentials are configured.
var ErrAIUnavailable = errors.New("model API is not configured")

// AIClient is the subset of the OpenAI client used by handlers.
type AIClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

var _ AIClient = (*openai.Client)(nil)

// Models names the models used by AI-backed operations.
type Models struct {
	Chat          string
	Embedding     string
	Transcription string
}

// Deps carries the collaborators shared by all handlers.
type Deps struct {
	Guard  *sandbox.Guard
	Runner sandbox.Runner
	// AI may be nil; operations that need it then fail or fall back.
	AI         AIClient
	HTTP       *http.Client
	Logger     zerolog.Logger
	UserEmail  string
	DatagenURL string
	Models     Models
}

type env struct {
	Deps
}

func newEnv(deps Deps) (*env, error) {
	if deps.Guard == nil {
		return nil, errors.New("handlers require a sandbox guard")
	}
	if deps.Runner == nil {
		deps.Runner = sandbox.NewProcessRunner(deps.Guard)
	}
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.UserEmail == "" {
		deps.UserEmail = DefaultUserEmail
	}
	if deps.DatagenURL == "" {
		deps.DatagenURL = DefaultDatagenURL
	}
	if deps.Models.Chat == "" {
		deps.Models.Chat = DefaultChatModel
	}
	if deps.Models.Embedding == "" {
		deps.Models.Embedding = DefaultEmbeddingModel
	}
	if deps.Models.Transcription == "" {
		deps.Models.Transcription = DefaultTranscriptionModel
	}
	return &env{Deps: deps}, nil
}

// Register adds every operation of the catalog to reg.
func Register(reg *task.Registry, deps Deps) error {
	e, err := newEnv(deps)
	if err != nil {
		return err
	}
	ops := []*task.Descriptor{
		task.MustDefine("A1", "run the data generation script with the user's email", e.runDatagen),
		task.MustDefine("A2", "format a Markdown file in place with prettier@3.4.2", e.formatMarkdown),
		task.MustDefine("A3", "count how many dates in a file fall on a weekday and write the number", e.countWeekday),
		task.MustDefine("A4", "sort a JSON array of contacts by last_name then first_name", e.sortContacts),
		task.MustDefine("A5", "write the first line of the most recent .log files in a directory", e.recentLogs),
		task.MustDefine("A6", "index Markdown files by the first H1 heading of each file", e.indexMarkdown),
		task.MustDefine("A7", "extract the sender's email address from an email message", e.extractSender),
		task.MustDefine("A8", "extract a card number from an image or text file, digits only", e.extractCardNumber),
		task.MustDefine("A9", "find the most similar pair of comments using embeddings", e.similarComments),
		task.MustDefine("A10", "compute total ticket sales for a ticket type in a SQLite database", e.ticketSales),
		task.MustDefine("B3", "fetch data from an API and save it", e.fetchAPI),
		task.MustDefine("B4", "clone a git repository and commit a change", e.commitToRepo),
		task.MustDefine("B5", "run a read-only SQL query on a SQLite database", e.runQuery),
		task.MustDefine("B6", "scrape the title and links of a website", e.scrapeWebsite),
		task.MustDefine("B7", "compress or resize an image", e.resizeImage),
		task.MustDefine("B8", "transcribe an audio file", e.transcribeAudio),
		task.MustDefine("B9", "convert a Markdown file to HTML", e.markdownToHTML),
		task.MustDefine("B10", "filter a CSV file and return matching rows as JSON", e.filterCSV),
	}
	for _, d := range ops {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a sealed registry holding the full catalog.
func NewRegistry(deps Deps) (*task.Registry, error) {
	reg := task.NewRegistry(CatalogVersion)
	if err := Register(reg, deps); err != nil {
		return nil, err
	}
	reg.Seal()
	return reg, nil
}

// writeOutput stores content atomically and returns the canonical path.
func (e *env) writeOutput(path, content string) (string, error) {
	resolved, err := e.Guard.WriteFileAtomic(path, []byte(content), 0o644)
	if err != nil {
		return "", err
	}
	e.Logger.Debug().Str("path", resolved).Int("bytes", len(content)).Msg("output written")
	return resolved, nil
}

func (e *env) readText(path string) (string, error) {
	data, err := e.Guard.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (e *env) requireAI(op string) error {
	if e.AI == nil {
		return fmt.Errorf("%s: %w", op, ErrAIUnavailable)
	}
	return nil
}

func wrote(summary, path string) string {
	return fmt.Sprintf("%s; wrote %s", summary, path)
}
