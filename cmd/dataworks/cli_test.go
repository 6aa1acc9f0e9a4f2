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

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"dataworks/internal/config"
	"dataworks/internal/dispatch"
	apperrors "dataworks/internal/errors"
	"dataworks/internal/task"
)

type scriptedRunner struct {
	seen []string
	fail map[string]error
}

func (r *scriptedRunner) Run(ctx context.Context, text string) (*dispatch.Outcome, error) {
	r.seen = append(r.seen, text)
	out := &dispatch.Outcome{RequestID: "r", Operation: "A3"}
	if err := r.fail[text]; err != nil {
		return out, err
	}
	out.Result = "done: " + text
	return out, nil
}

func TestRunBatch(t *testing.T) {
	r := &scriptedRunner{fail: map[string]error{
		"bad task": apperrors.Classification("no matching operation", nil),
	}}
	in := strings.NewReader("first task\n\n# comment\nbad task\n  second task  \n")
	var out bytes.Buffer

	err := runBatch(context.Background(), r, in, &out, zerolog.Nop())
	if err == nil || !strings.Contains(err.Error(), "1 of 3 tasks failed") {
		t.Fatalf("expected failure summary, got %v", err)
	}
	if diff := cmp.Diff([]string{"first task", "bad task", "second task"}, r.seen); diff != "" {
		t.Fatalf("tasks mismatch (-want +got):\n%s", diff)
	}
	want := "ok [A3] done: first task\n" +
		"error [classification] no matching operation\n" +
		"ok [A3] done: second task\n"
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunBatchAllSucceed(t *testing.T) {
	r := &scriptedRunner{}
	if err := runBatch(context.Background(), r, strings.NewReader("one\ntwo\n"), io.Discard, zerolog.Nop()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.seen) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(r.seen))
	}
}

func TestRunBatchCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &scriptedRunner{}
	if err := runBatch(ctx, r, strings.NewReader("one\n"), io.Discard, zerolog.Nop()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled error, got %v", err)
	}
	if len(r.seen) != 0 {
		t.Fatal("no task should run after cancellation")
	}
}

func TestFormatFailure(t *testing.T) {
	if got := formatFailure(errors.New("boom")); got != "error [internal] boom" {
		t.Fatalf("unexpected format %q", got)
	}
	if got := formatFailure(apperrors.NotFound("/data/x")); !strings.HasPrefix(got, "error [not_found]") {
		t.Fatalf("unexpected format %q", got)
	}
}

func TestHandleLine(t *testing.T) {
	d, err := task.NewDescriptor("A3", "count a weekday", nil, func(context.Context, *task.Request) (string, error) {
		return "", nil
	})
	if err != nil {
		t.Fatalf("failed to define operation: %v", err)
	}
	reg := task.NewRegistry("test")
	reg.MustRegister(d)
	reg.Seal()

	r := &scriptedRunner{}
	var out bytes.Buffer
	ctx := context.Background()

	if handleLine(ctx, "   ", r, reg, &out, zerolog.Nop()) {
		t.Fatal("blank line must not quit")
	}
	if handleLine(ctx, "/ops", r, reg, &out, zerolog.Nop()) || !strings.Contains(out.String(), "A3   count a weekday") {
		t.Fatalf("expected operation listing, got %q", out.String())
	}
	out.Reset()
	if handleLine(ctx, "/nope", r, reg, &out, zerolog.Nop()) || !strings.Contains(out.String(), "unknown command") {
		t.Fatalf("expected unknown command, got %q", out.String())
	}
	out.Reset()
	if handleLine(ctx, "count wednesdays", r, reg, &out, zerolog.Nop()) || out.String() != "[A3] done: count wednesdays\n" {
		t.Fatalf("unexpected task output %q", out.String())
	}
	if !handleLine(ctx, "/quit", r, reg, &out, zerolog.Nop()) {
		t.Fatal("expected /quit to end the session")
	}
	if len(r.seen) != 1 {
		t.Fatalf("only plain lines should reach the dispatcher, got %v", r.seen)
	}
}

func TestOperationCanceler(t *testing.T) {
	canceler := &operationCanceler{}
	if canceler.Cancel() {
		t.Fatal("expected no cancel when unset")
	}

	ctx, cancel := context.WithCancel(context.Background())
	canceler.Set(cancel)
	if !canceler.Cancel() {
		t.Fatal("expected cancel to return true")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected context to be canceled")
	}

	canceler.Clear()
	if canceler.Cancel() {
		t.Fatal("expected no cancel after clear")
	}
}

func TestOperationCancelerForward(t *testing.T) {
	canceler := &operationCanceler{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	canceler.Set(cancel)

	signals := make(chan os.Signal, 1)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		canceler.Forward(signals, done)
		close(stopped)
	}()

	signals <- os.Interrupt
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected interrupt to cancel the running task")
	}

	close(done)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("expected forwarding to stop once done is closed")
	}
}

func TestClassifyReadlineError(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		err      error
		expected readlineAction
	}{
		{"interrupt", "", readline.ErrInterrupt, readlineContinue},
		{"eof-empty", "", io.EOF, readlineExit},
		{"eof-whitespace", "   ", io.EOF, readlineExit},
		{"eof-line", "hello", io.EOF, readlineContinue},
		{"other", "", errors.New("boom"), readlineUnhandled},
	}

	for _, tc := range cases {
		if got := classifyReadlineError(tc.line, tc.err); got != tc.expected {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.expected, got)
		}
	}
}

func TestSanitizeInputLine(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"\x03/quit", "/quit"},
		{"\x07/quit", "/quit"},
		{"\x1f\t/quit", " /quit"},
		{"count\x7f mondays", "count mondays"},
		{"/quit", "/quit"},
	}

	for _, tc := range cases {
		if got := sanitizeInputLine(tc.input); got != tc.expected {
			t.Fatalf("expected %q, got %q", tc.expected, got)
		}
	}
}

func TestInitLoggerWithFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "test.log")

	logger, closer, err := initLogger(true, logFile)
	if err != nil {
		t.Fatalf("initLogger failed: %v", err)
	}
	defer closer.Close()

	logger.Info().Msg("Test message")

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "Test message") {
		t.Errorf("log file missing message: %q", content)
	}
}

func TestInitLoggerBadPath(t *testing.T) {
	if _, _, err := initLogger(false, filepath.Join(t.TempDir(), "missing", "x.log")); err == nil {
		t.Fatal("expected error for unwritable log path")
	}
}

func TestNewAppWithoutCredentials(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SandboxRoot = t.TempDir()
	cfg.APIKey = ""

	a, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	if !a.registry.Sealed() || len(a.registry.Operations()) != 18 {
		t.Fatalf("expected a sealed catalog of 18 operations, got %d", len(a.registry.Operations()))
	}

	_, err = a.dispatcher.Run(context.Background(), "count the wednesdays")
	if !apperrors.Is(err, apperrors.CodeClassification) {
		t.Fatalf("expected classification error without credentials, got %v", err)
	}
}

func TestNewAppRejectsMissingRoot(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SandboxRoot = filepath.Join(t.TempDir(), "missing")
	if _, err := newApp(cfg, zerolog.Nop()); !apperrors.Is(err, apperrors.CodeSandboxConfig) {
		t.Fatalf("expected sandbox config error, got %v", err)
	}
}

func TestFlagsDefined(t *testing.T) {
	if debugMode == nil || logFile == nil || configPath == nil || version == nil {
		t.Fatal("expected flags to be defined")
	}
	if Version == "" {
		t.Error("Version variable should not be empty")
	}
}
