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

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes external programs on behalf of handlers.
type Runner interface {
	Exec(ctx context.Context, dir, name string, args ...string) (Result, error)
}

// Result captures the output of an executed program.
type Result struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// ProcessRunner runs programs on the host with their working directory
// pinned inside the sandbox root.
type ProcessRunner struct {
	guard *Guard
	env   []string
}

// NewProcessRunner returns a runner bound to the guard's root. Extra
// environment entries are appended to the inherited environment.
func NewProcessRunner(guard *Guard, env ...string) *ProcessRunner {
	return &ProcessRunner{guard: guard, env: env}
}

// Exec runs name with args. dir must resolve inside the sandbox; an empty dir
// means the sandbox root.
func (r *ProcessRunner) Exec(ctx context.Context, dir, name string, args ...string) (Result, error) {
	if strings.TrimSpace(name) == "" {
		return Result{}, errors.New("command is required")
	}
	if dir == "" {
		dir = r.guard.Root()
	}
	workdir, err := r.guard.Resolve(dir)
	if err != nil {
		return Result{}, err
	}

	limit := r.guard.Limits().MaxProcessOutput
	stdout := &limitedBuffer{limit: limit}
	stderr := &limitedBuffer{limit: limit}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workdir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	runErr := cmd.Run()
	result := Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, fmt.Errorf("command timed out: %w", ctx.Err())
	}
	if ctx.Err() == context.Canceled {
		return result, fmt.Errorf("command canceled: %w", ctx.Err())
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			msg := strings.TrimSpace(result.Stderr)
			if msg == "" {
				msg = runErr.Error()
			}
			return result, fmt.Errorf("%s exited with code %d: %s", name, result.ExitCode, msg)
		}
		return result, fmt.Errorf("command failed: %v", runErr)
	}
	return result, nil
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
