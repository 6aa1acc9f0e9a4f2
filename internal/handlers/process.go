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
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"dataworks/internal/paths"
)

type datagenArgs struct {
	Email string `json:"email,omitempty" arg:"string" jsonschema:"description=Email passed to the generator; defaults to the configured user email"`
}

const datagenScript = "datagen.py"

func (e *env) runDatagen(ctx context.Context, args datagenArgs) (string, error) {
	email := args.Email
	if email == "" {
		email = e.UserEmail
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return "", fmt.Errorf("invalid email %q: %w", email, err)
	}

	script, _, err := e.fetch(ctx, e.DatagenURL)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", datagenScript, err)
	}
	scriptPath, err := e.Guard.WriteFileAtomic(filepath.Join(e.Guard.Root(), datagenScript), script, 0o755)
	if err != nil {
		return "", err
	}

	res, err := e.Runner.Exec(ctx, "", "python3", scriptPath, email, "--root", e.Guard.Root())
	if err != nil {
		return "", fmt.Errorf("%s failed: %w", datagenScript, err)
	}
	return fmt.Sprintf("ran %s for %s\n%s", datagenScript, email, strings.TrimSpace(res.Stdout)), nil
}

type prettierArgs struct {
	MarkdownFile string `json:"markdown_file" arg:"path" jsonschema:"description=Markdown file to format in place"`
}

const prettierPackage = "prettier@3.4.2"

func (e *env) formatMarkdown(ctx context.Context, args prettierArgs) (string, error) {
	file, err := e.Guard.ResolveFile(args.MarkdownFile)
	if err != nil {
		return "", err
	}
	if _, err := e.Runner.Exec(ctx, filepath.Dir(file), "npx", "--yes", prettierPackage, "--write", file); err != nil {
		return "", fmt.Errorf("prettier failed: %w", err)
	}
	return fmt.Sprintf("formatted %s with %s", file, prettierPackage), nil
}

type commitArgs struct {
	GitRepo       string `json:"git_repo" arg:"string" jsonschema:"description=Repository URL to clone"`
	Directory     string `json:"directory,omitempty" arg:"path" jsonschema:"description=Clone destination inside the sandbox"`
	File          string `json:"file,omitempty" arg:"string" jsonschema:"description=File to write, relative to the repository"`
	Content       string `json:"content,omitempty" arg:"string" jsonschema:"description=Content written to the file"`
	CommitMessage string `json:"commit_message,omitempty" arg:"string" jsonschema:"description=Commit message"`
}

const (
	defaultCommitFile    = "DATAWORKS.md"
	defaultCommitMessage = "Update from dataworks"
	reposDir             = "repos"
)

var scpLikeRepo = regexp.MustCompile(`^[\w.-]+@[\w.-]+:`)

func (e *env) commitToRepo(ctx context.Context, args commitArgs) (string, error) {
	source, err := e.repoSource(args.GitRepo)
	if err != nil {
		return "", err
	}

	dir := args.Directory
	if dir == "" {
		dir = filepath.Join(e.Guard.Root(), reposDir, repoName(args.GitRepo))
	}
	dir, err = e.Guard.Resolve(dir)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("clone destination %s already exists", dir)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	if _, err := e.Runner.Exec(ctx, "", "git", "clone", "--depth", "1", source, dir); err != nil {
		return "", fmt.Errorf("clone failed: %w", err)
	}

	name := args.File
	if name == "" {
		name = defaultCommitFile
	}
	target, err := e.Guard.Resolve(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}
	if target == dir || !paths.HasPathPrefix(target, dir) || paths.HasPathPrefix(target, filepath.Join(dir, ".git")) {
		return "", fmt.Errorf("file %q must stay inside the working tree", name)
	}
	content := args.Content
	if content == "" {
		content = "Updated by dataworks.\n"
	}
	if _, err := e.writeOutput(target, content); err != nil {
		return "", err
	}

	message := args.CommitMessage
	if message == "" {
		message = defaultCommitMessage
	}
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return "", err
	}
	if _, err := e.Runner.Exec(ctx, dir, "git", "add", "--", rel); err != nil {
		return "", fmt.Errorf("git add failed: %w", err)
	}
	if _, err := e.Runner.Exec(ctx, dir, "git",
		"-c", "user.name=dataworks", "-c", "user.email="+e.UserEmail,
		"commit", "-m", message); err != nil {
		return "", fmt.Errorf("git commit failed: %w", err)
	}
	return fmt.Sprintf("cloned %s into %s and committed %s", args.GitRepo, dir, rel), nil
}

// repoSource accepts remote URLs as given and confines local repositories to
// the sandbox.
func (e *env) repoSource(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if scpLikeRepo.MatchString(raw) {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err == nil {
		switch u.Scheme {
		case "http", "https", "ssh", "git":
			if u.Host == "" {
				return "", fmt.Errorf("repository URL %q has no host", raw)
			}
			return raw, nil
		case "file":
			return e.Guard.Resolve(u.Path)
		case "":
		default:
			return "", fmt.Errorf("unsupported repository scheme %q", u.Scheme)
		}
	}
	return e.Guard.Resolve(raw)
}

func repoName(raw string) string {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if i := strings.LastIndexAny(raw, "/:"); i >= 0 {
		raw = raw[i+1:]
	}
	name := strings.TrimSuffix(path.Base(raw), ".git")
	if name == "" || name == "." || name == ".." {
		return "repo"
	}
	return name
}
