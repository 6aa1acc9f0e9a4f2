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
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/sashabaranov/go-openai"
)

type cardArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=Image or text file containing the number"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the digits"`
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

const cardPrompt = "This image contains a long number printed on a card. Reply with that number and nothing else."

func (e *env) extractCardNumber(ctx context.Context, args cardArgs) (string, error) {
	data, err := e.Guard.ReadFile(args.Input)
	if err != nil {
		return "", err
	}

	source := string(data)
	if imageExtensions[strings.ToLower(filepath.Ext(args.Input))] {
		if source, err = e.readImageText(ctx, data, cardPrompt); err != nil {
			return "", err
		}
	}

	digits := onlyDigits(source)
	if len(digits) < 12 || len(digits) > 19 {
		return "", fmt.Errorf("no card number found in %s", args.Input)
	}
	out, err := e.writeOutput(args.Output, digits)
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("extracted a %d digit number", len(digits)), out), nil
}

func (e *env) readImageText(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := e.requireAI("image extraction"); err != nil {
		return "", err
	}
	dataURL := "data:" + http.DetectContentType(image) + ";base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := e.AI.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.Models.Chat,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: prompt},
				{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: dataURL, Detail: openai.ImageURLDetailHigh}},
			},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("image extraction failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("image extraction returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

type commentsArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=File with one comment per line"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the two most similar comments"`
}

func (e *env) similarComments(ctx context.Context, args commentsArgs) (string, error) {
	content, err := e.readText(args.Input)
	if err != nil {
		return "", err
	}
	var comments []string
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			comments = append(comments, line)
		}
	}
	if len(comments) < 2 {
		return "", fmt.Errorf("need at least two comments, found %d", len(comments))
	}

	var (
		i, j   int
		method string
	)
	if e.AI != nil {
		vectors, err := e.embed(ctx, comments)
		if err != nil {
			return "", err
		}
		i, j = mostSimilar(len(comments), func(a, b int) float64 { return cosineSimilarity(vectors[a], vectors[b]) })
		method = "embeddings"
	} else {
		e.Logger.Warn().Msg("model API not configured, comparing comments by word overlap")
		sets := make([]map[string]bool, len(comments))
		for k, c := range comments {
			sets[k] = wordSet(c)
		}
		i, j = mostSimilar(len(comments), func(a, b int) float64 { return jaccard(sets[a], sets[b]) })
		method = "word overlap"
	}

	out, err := e.writeOutput(args.Output, comments[i]+"\n"+comments[j])
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("compared %d comments by %s", len(comments), method), out), nil
}

func (e *env) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	resp, err := e.AI.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: inputs,
		Model: openai.EmbeddingModel(e.Models.Embedding),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(inputs), len(resp.Data))
	}
	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(inputs) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// mostSimilar returns the pair with the highest score, earliest pair first
// on ties.
func mostSimilar(n int, score func(a, b int) float64) (int, int) {
	bestI, bestJ, best := 0, 1, math.Inf(-1)
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			if s := score(a, b); s > best {
				bestI, bestJ, best = a, b, s
			}
		}
	}
	return bestI, bestJ
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func wordSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(a)+len(b)-shared)
}

type transcribeArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=Audio file (mp3, wav, m4a, ...)"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the transcript"`
}

func (e *env) transcribeAudio(ctx context.Context, args transcribeArgs) (string, error) {
	if err := e.requireAI("transcription"); err != nil {
		return "", err
	}
	data, err := e.Guard.ReadFile(args.Input)
	if err != nil {
		return "", err
	}
	resp, err := e.AI.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.Models.Transcription,
		FilePath: filepath.Base(args.Input),
		Reader:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	transcript := strings.TrimSpace(resp.Text)
	out, err := e.writeOutput(args.Output, transcript)
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("transcribed %d characters", len(transcript)), out), nil
}
