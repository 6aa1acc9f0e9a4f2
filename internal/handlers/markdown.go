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
	"encoding/json"
	"fmt"
	"io/fs"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"golang.org/x/sync/errgroup"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

type markdownIndexArgs struct {
	InputDir string `json:"input_dir" arg:"path" jsonschema:"description=Directory searched recursively for .md files"`
	Output   string `json:"output" arg:"path" jsonschema:"description=JSON file that receives the index"`
}

const indexWorkers = 8

func (e *env) indexMarkdown(ctx context.Context, args markdownIndexArgs) (string, error) {
	type doc struct {
		rel, path, title string
	}
	var docs []*doc
	err := e.Guard.Walk(args.InputDir, true, func(rel, resolved string, _ fs.FileInfo) error {
		if strings.HasSuffix(strings.ToLower(rel), ".md") {
			docs = append(docs, &doc{rel: strings.ReplaceAll(rel, "\\", "/"), path: resolved})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(indexWorkers)
	for _, d := range docs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := e.Guard.ReadFile(d.path)
			if err != nil {
				return err
			}
			d.title = firstHeading(src, 1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	index := make(map[string]string, len(docs))
	for _, d := range docs {
		if d.title != "" {
			index[d.rel] = d.title
		}
	}
	encoded, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return "", err
	}
	out, err := e.writeOutput(args.Output, string(encoded))
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("indexed %d of %d Markdown files", len(index), len(docs)), out), nil
}

// firstHeading returns the text of the first heading of the given level.
func firstHeading(src []byte, level int) string {
	doc := markdown.Parser().Parse(text.NewReader(src))
	var title string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != level {
			return ast.WalkContinue, nil
		}
		title = strings.TrimSpace(inlineText(h, src))
		return ast.WalkStop, nil
	})
	return title
}

func inlineText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		default:
			buf.WriteString(inlineText(c, src))
		}
	}
	return buf.String()
}

type markdownHTMLArgs struct {
	Input  string `json:"input" arg:"path" jsonschema:"description=Markdown file"`
	Output string `json:"output" arg:"path" jsonschema:"description=File that receives the HTML"`
}

func (e *env) markdownToHTML(_ context.Context, args markdownHTMLArgs) (string, error) {
	src, err := e.Guard.ReadFile(args.Input)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := markdown.Convert(src, &buf); err != nil {
		return "", fmt.Errorf("failed to convert Markdown: %w", err)
	}
	out, err := e.writeOutput(args.Output, buf.String())
	if err != nil {
		return "", err
	}
	return wrote(fmt.Sprintf("converted %d bytes of Markdown", len(src)), out), nil
}
