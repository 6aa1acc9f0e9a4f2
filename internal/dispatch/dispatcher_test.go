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

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"dataworks/internal/classifier"
	apperrors "dataworks/internal/errors"
	"dataworks/internal/handlers"
	"dataworks/internal/sandbox"
	"dataworks/internal/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recordingGuard counts sandbox checks before delegating to the real guard.
type recordingGuard struct {
	*sandbox.Guard
	calls atomic.Int32
}

func (g *recordingGuard) Resolve(path string) (string, error) {
	g.calls.Add(1)
	return g.Guard.Resolve(path)
}

type harness struct {
	guard    *recordingGuard
	registry *task.Registry
	invoked  atomic.Int32
	handler  func(ctx context.Context, req *task.Request) (string, error)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	g, err := sandbox.NewGuard(t.TempDir(), sandbox.DefaultLimits())
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	h := &harness{guard: &recordingGuard{Guard: g}}
	h.handler = func(ctx context.Context, req *task.Request) (string, error) {
		content := req.Text("content")
		if _, err := g.WriteFileAtomic(req.Text("output"), []byte(content), 0o644); err != nil {
			return "", err
		}
		return "wrote " + req.Text("output"), nil
	}

	d, err := task.NewDescriptor("W1", "write content to a file", task.Schema{
		{Name: "output", Type: task.FieldPath, Required: true},
		{Name: "content", Type: task.FieldString, Required: true},
	}, func(ctx context.Context, req *task.Request) (string, error) {
		h.invoked.Add(1)
		return h.handler(ctx, req)
	})
	if err != nil {
		t.Fatalf("failed to create descriptor: %v", err)
	}
	h.registry = task.NewRegistry("test")
	h.registry.MustRegister(d)
	h.registry.Seal()
	return h
}

func (h *harness) dispatcher(t *testing.T, c classifier.Classifier, timeouts TimeoutConfig) *Dispatcher {
	t.Helper()
	d, err := New(c, h.registry, h.guard, Options{Timeouts: timeouts, Filters: DefaultOutputFilterConfig(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func fixed(intent task.Intent) classifier.Classifier {
	return classifier.Func(func(context.Context, string) (task.Intent, error) { return intent, nil })
}

func codeOf(t *testing.T, err error) apperrors.Code {
	t.Helper()
	code, ok := apperrors.CodeOf(err)
	if !ok {
		t.Fatalf("expected coded error, got %v", err)
	}
	return code
}

func TestNewRequiresSealedRegistry(t *testing.T) {
	g, err := sandbox.NewGuard(t.TempDir(), sandbox.DefaultLimits())
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	if _, err := New(fixed(task.Intent{}), task.NewRegistry("open"), g, Options{}); err == nil {
		t.Fatal("expected error for unsealed registry")
	}
}

func TestRunUnknownOperation(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, fixed(task.Intent{Operation: "Z1", Args: map[string]interface{}{}}), TimeoutConfig{})

	out, err := d.Run(context.Background(), "do the impossible")
	if codeOf(t, err) != apperrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !errors.Is(err, task.ErrOperationNotFound) || !strings.Contains(err.Error(), "Z1") {
		t.Fatalf("expected error naming Z1, got %v", err)
	}
	if h.invoked.Load() != 0 {
		t.Fatal("handler must not run for unknown operations")
	}
	if out == nil || out.RequestID == "" {
		t.Fatal("outcome must carry a request id on failure")
	}
}

func TestRunMissingFieldFailsBeforeSandboxCheck(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, fixed(task.Intent{Operation: "W1", Args: map[string]interface{}{"output": "a.txt"}}), TimeoutConfig{})

	_, err := d.Run(context.Background(), "write something")
	var coded *apperrors.Error
	if !errors.As(err, &coded) || coded.Code != apperrors.CodeValidation || coded.Field != "content" {
		t.Fatalf("expected validation error for content, got %v", err)
	}
	if h.guard.calls.Load() != 0 || h.invoked.Load() != 0 {
		t.Fatalf("guard (%d) and handler (%d) must not run", h.guard.calls.Load(), h.invoked.Load())
	}
}

func TestRunRejectsTraversal(t *testing.T) {
	h := newHarness(t)
	target := h.guard.Root() + "/../etc/passwd"
	d := h.dispatcher(t, fixed(task.Intent{Operation: "W1", Args: map[string]interface{}{"output": target, "content": "x"}}), TimeoutConfig{})

	_, err := d.Run(context.Background(), "overwrite passwd")
	if codeOf(t, err) != apperrors.CodeSandboxViolation {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
	if h.invoked.Load() != 0 {
		t.Fatal("handler must not run after a sandbox violation")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(h.guard.Root()), "etc", "passwd")); !os.IsNotExist(err) {
		t.Fatal("nothing may be written outside the sandbox")
	}
}

func TestRunHandlerError(t *testing.T) {
	h := newHarness(t)
	h.handler = func(context.Context, *task.Request) (string, error) {
		return "", errors.New("disk \x1b[31mexploded\x1b[0m\x07")
	}
	d := h.dispatcher(t, fixed(task.Intent{Operation: "W1", Args: map[string]interface{}{"output": "a.txt", "content": "x"}}), TimeoutConfig{})

	out, err := d.Run(context.Background(), "write")
	if codeOf(t, err) != apperrors.CodeHandlerExecution {
		t.Fatalf("expected handler execution error, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk exploded") || strings.ContainsAny(err.Error(), "\x1b\x07") {
		t.Fatalf("expected sanitized message, got %q", err.Error())
	}
	if out.Operation != "W1" {
		t.Fatalf("expected operation on outcome, got %q", out.Operation)
	}
}

func TestRunRecoversHandlerPanic(t *testing.T) {
	h := newHarness(t)
	write := h.handler
	h.handler = func(ctx context.Context, req *task.Request) (string, error) {
		if req.Text("content") == "boom" {
			var counts map[string]int
			counts["x"]++
		}
		return write(ctx, req)
	}
	c := classifier.Func(func(_ context.Context, text string) (task.Intent, error) {
		return task.Intent{Operation: "W1", Args: map[string]interface{}{"output": text + ".txt", "content": text}}, nil
	})
	d := h.dispatcher(t, c, TimeoutConfig{})

	out, err := d.Run(context.Background(), "boom")
	if codeOf(t, err) != apperrors.CodeHandlerExecution {
		t.Fatalf("expected handler execution error, got %v", err)
	}
	if !strings.Contains(err.Error(), "nil map") || strings.Contains(err.Error(), "goroutine") {
		t.Fatalf("expected panic value without stack, got %q", err.Error())
	}
	if out.Operation != "W1" {
		t.Fatalf("expected operation on outcome, got %q", out.Operation)
	}

	// the dispatcher keeps serving after a panic
	if _, err := d.Run(context.Background(), "fine"); err != nil {
		t.Fatalf("unexpected error after recovered panic: %v", err)
	}
	content, err := os.ReadFile(filepath.Join(h.guard.Root(), "fine.txt"))
	if err != nil || string(content) != "fine" {
		t.Fatalf("expected fine.txt to be written, got %q (%v)", content, err)
	}
}

func TestRunRecoversClassifierPanic(t *testing.T) {
	h := newHarness(t)
	c := classifier.Func(func(context.Context, string) (task.Intent, error) {
		panic("parser exploded")
	})
	_, err := h.dispatcher(t, c, TimeoutConfig{}).Run(context.Background(), "x")
	if codeOf(t, err) != apperrors.CodeClassification {
		t.Fatalf("expected classification error, got %v", err)
	}
	if h.invoked.Load() != 0 {
		t.Fatal("handler must not run after a classifier panic")
	}
}

func TestRunClassifierCodedErrorsBecomeClassification(t *testing.T) {
	h := newHarness(t)
	for _, classifyErr := range []error{
		apperrors.Validation("tool-name", "bad field"),
		apperrors.NotFound("/data/model.bin"),
		apperrors.HandlerExecution("X", errors.New("oops")),
	} {
		c := classifier.Func(func(context.Context, string) (task.Intent, error) {
			return task.Intent{}, classifyErr
		})
		if _, err := h.dispatcher(t, c, TimeoutConfig{}).Run(context.Background(), "x"); codeOf(t, err) != apperrors.CodeClassification {
			t.Fatalf("expected classification error for %v, got %v", classifyErr, err)
		}
	}

	timedOut := classifier.Func(func(context.Context, string) (task.Intent, error) {
		return task.Intent{}, apperrors.Timeout("model call", context.DeadlineExceeded)
	})
	if _, err := h.dispatcher(t, timedOut, TimeoutConfig{}).Run(context.Background(), "x"); codeOf(t, err) != apperrors.CodeTimeout {
		t.Fatalf("expected timeout to pass through, got %v", err)
	}
}

func TestRunClassifierFailures(t *testing.T) {
	h := newHarness(t)

	plain := classifier.Func(func(context.Context, string) (task.Intent, error) {
		return task.Intent{}, errors.New("model unavailable")
	})
	if _, err := h.dispatcher(t, plain, TimeoutConfig{}).Run(context.Background(), "x"); codeOf(t, err) != apperrors.CodeClassification {
		t.Fatalf("expected classification error, got %v", err)
	}

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stuck := classifier.Func(func(context.Context, string) (task.Intent, error) {
		<-release
		return task.Intent{}, nil
	})
	start := time.Now()
	_, err := h.dispatcher(t, stuck, TimeoutConfig{Classify: 20 * time.Millisecond}).Run(context.Background(), "x")
	if codeOf(t, err) != apperrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("dispatcher did not return promptly")
	}
}

func TestRunHandlerTimeout(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.handler = func(context.Context, *task.Request) (string, error) {
		<-release
		return "too late", nil
	}
	timeouts := TimeoutConfig{Default: time.Minute, PerOperation: map[string]time.Duration{"W1": 20 * time.Millisecond}}
	d := h.dispatcher(t, fixed(task.Intent{Operation: "W1", Args: map[string]interface{}{"output": "a.txt", "content": "x"}}), timeouts)

	start := time.Now()
	_, err := d.Run(context.Background(), "write slowly")
	if codeOf(t, err) != apperrors.CodeTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("dispatcher did not return promptly")
	}
}

func TestRunCallerCancellation(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, fixed(task.Intent{Operation: "W1", Args: map[string]interface{}{"output": "a.txt", "content": "x"}}), TimeoutConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Run(ctx, "write"); codeOf(t, err) != apperrors.CodeTimeout {
		t.Fatalf("expected timeout for cancelled caller, got %v", err)
	}
	if h.invoked.Load() != 0 {
		t.Fatal("handler must not run for a cancelled request")
	}
}

func TestRunSanitizesResult(t *testing.T) {
	h := newHarness(t)
	h.handler = func(context.Context, *task.Request) (string, error) {
		return "\x1b[1mok\x1b[0m" + strings.Repeat("x", 50), nil
	}
	d, err := New(fixed(task.Intent{Operation: "W1", Args: map[string]interface{}{"output": "a.txt", "content": "x"}}), h.registry, h.guard,
		Options{Filters: OutputFilterConfig{MaxChars: 10, StripANSI: true, StripControl: true}, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := d.Run(context.Background(), "write")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result != "okxxxxxxxx" || !out.Truncated {
		t.Fatalf("unexpected result %q (truncated=%v)", out.Result, out.Truncated)
	}
}

func TestRunConcurrentDistinctWrites(t *testing.T) {
	h := newHarness(t)
	c := classifier.Func(func(_ context.Context, text string) (task.Intent, error) {
		return task.Intent{Operation: "W1", Args: map[string]interface{}{"output": "out/" + text + ".txt", "content": text}}, nil
	})
	d := h.dispatcher(t, c, DefaultTimeoutConfig())

	const n = 24
	var g errgroup.Group
	ids := sync.Map{}
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%02d", i)
		g.Go(func() error {
			out, err := d.Run(context.Background(), name)
			if err != nil {
				return err
			}
			if _, dup := ids.LoadOrStore(out.RequestID, true); dup {
				return fmt.Errorf("duplicate request id %s", out.RequestID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent run failed: %v", err)
	}

	for i := 0; i < n; i++ {
		name := fmt.Sprintf("file-%02d", i)
		data, err := os.ReadFile(filepath.Join(h.guard.Root(), "out", name+".txt"))
		if err != nil {
			t.Fatalf("missing output for %s: %v", name, err)
		}
		if string(data) != name {
			t.Fatalf("output for %s has content %q", name, data)
		}
	}
}

func TestRunCountsWednesdaysEndToEnd(t *testing.T) {
	g, err := sandbox.NewGuard(t.TempDir(), sandbox.DefaultLimits())
	if err != nil {
		t.Fatalf("failed to create guard: %v", err)
	}
	reg, err := handlers.NewRegistry(handlers.Deps{Guard: g, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	var dates []string
	for day := 1; day <= 7; day++ {
		dates = append(dates, fmt.Sprintf("2024-01-%02d", day))
	}
	if err := os.WriteFile(filepath.Join(g.Root(), "dates.txt"), []byte(strings.Join(dates, "\n")), 0o644); err != nil {
		t.Fatalf("failed to write dates: %v", err)
	}

	c := fixed(task.Intent{Operation: "A3", Args: map[string]interface{}{
		"input":  filepath.Join(g.Root(), "dates.txt"),
		"output": filepath.Join(g.Root(), "dates-wednesdays.txt"),
	}})
	d, err := New(c, reg, g, Options{Timeouts: DefaultTimeoutConfig(), Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := d.Run(context.Background(), "Count the Wednesdays in dates.txt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Operation != "A3" {
		t.Fatalf("expected A3, got %s", out.Operation)
	}
	data, err := os.ReadFile(filepath.Join(g.Root(), "dates-wednesdays.txt"))
	if err != nil {
		t.Fatalf("missing output: %v", err)
	}
	if string(data) != "1" {
		t.Fatalf("expected 1, got %q", data)
	}
}

func TestTimeoutForOperation(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	if cfg.TimeoutForOperation("b4") != 120*time.Second {
		t.Fatalf("expected per-operation override, got %s", cfg.TimeoutForOperation("b4"))
	}
	if cfg.TimeoutForOperation("A3") != cfg.Default {
		t.Fatal("expected default timeout")
	}
}
