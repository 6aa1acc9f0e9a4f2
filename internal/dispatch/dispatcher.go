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
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dataworks/internal/classifier"
	apperrors "dataworks/internal/errors"
	"dataworks/internal/task"
)

// Outcome describes a dispatched request. It is returned alongside errors so
// callers can report the request id.
type Outcome struct {
	RequestID string        `json:"request_id"`
	Operation string        `json:"operation,omitempty"`
	Result    string        `json:"result,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Options configures a Dispatcher.
type Options struct {
	Timeouts TimeoutConfig
	Filters  OutputFilterConfig
	Logger   zerolog.Logger
}

// Dispatcher runs a task description through classification, validation,
// the sandbox check and finally the operation handler.
type Dispatcher struct {
	classifier classifier.Classifier
	registry   *task.Registry
	guard      task.PathGuard
	timeouts   TimeoutConfig
	filters    OutputFilterConfig
	logger     zerolog.Logger
	newID      func() string
}

// New creates a dispatcher. The registry must already be sealed.
func New(c classifier.Classifier, reg *task.Registry, guard task.PathGuard, opts Options) (*Dispatcher, error) {
	if c == nil || reg == nil || guard == nil {
		return nil, errors.New("dispatcher requires a classifier, a registry and a guard")
	}
	if !reg.Sealed() {
		return nil, errors.New("registry must be sealed before dispatching")
	}
	return &Dispatcher{
		classifier: c,
		registry:   reg,
		guard:      guard,
		timeouts:   opts.Timeouts,
		filters:    normalizeOutputFilterConfig(opts.Filters),
		logger:     opts.Logger,
		newID:      uuid.NewString,
	}, nil
}

// Run classifies text and executes the resulting operation.
func (d *Dispatcher) Run(ctx context.Context, text string) (*Outcome, error) {
	out := &Outcome{RequestID: d.newID()}
	start := time.Now()
	logger := d.logger.With().Str("request_id", out.RequestID).Logger()
	logger.Info().Int("task_chars", len(text)).Msg("request received")

	intent, expired, err := await(ctx, d.timeouts.Classify, func(ctx context.Context) (task.Intent, error) {
		return d.classifier.Classify(ctx, text)
	})
	switch {
	case expired:
		return d.fail(logger, out, start, apperrors.Timeout("classification", err))
	case err != nil:
		logPanic(logger, err)
		if code, _ := apperrors.CodeOf(err); code != apperrors.CodeClassification && code != apperrors.CodeTimeout {
			err = apperrors.Classification("classification failed", err)
		}
		return d.fail(logger, out, start, err)
	}
	logger.Debug().
		Str("operation", intent.Operation).
		Dur("duration", time.Since(start)).
		Msg("task classified")

	return d.execute(ctx, logger, out, start, intent)
}

// Execute runs an already classified intent.
func (d *Dispatcher) Execute(ctx context.Context, intent task.Intent) (*Outcome, error) {
	out := &Outcome{RequestID: d.newID()}
	logger := d.logger.With().Str("request_id", out.RequestID).Logger()
	return d.execute(ctx, logger, out, time.Now(), intent)
}

func (d *Dispatcher) execute(ctx context.Context, logger zerolog.Logger, out *Outcome, start time.Time, intent task.Intent) (*Outcome, error) {
	desc, ok := d.registry.Lookup(intent.Operation)
	if !ok {
		return d.fail(logger, out, start, &apperrors.Error{
			Code:    apperrors.CodeValidation,
			Message: fmt.Sprintf("operation %q is not in the catalog", intent.Operation),
			Field:   "tool-name",
			Err:     task.ErrOperationNotFound,
		})
	}
	out.Operation = desc.ID
	logger = logger.With().Str("operation", desc.ID).Logger()

	req, err := task.Validate(intent, desc)
	if err != nil {
		return d.fail(logger, out, start, err)
	}

	if err := req.Authorize(d.guard); err != nil {
		if _, coded := apperrors.CodeOf(err); !coded {
			err = apperrors.Wrap(apperrors.CodeSandboxViolation, "sandbox check failed", err)
		}
		return d.fail(logger, out, start, err)
	}
	logger.Debug().Interface("args", req.Args()).Msg("request authorized")

	invokeStart := time.Now()
	result, expired, err := await(ctx, d.timeouts.TimeoutForOperation(desc.ID), func(ctx context.Context) (string, error) {
		return desc.Invoke(ctx, req)
	})
	switch {
	case expired:
		return d.fail(logger, out, start, apperrors.Timeout("operation "+desc.ID, err))
	case err != nil:
		logPanic(logger, err)
		msg, _ := d.filters.Sanitize(err.Error())
		return d.fail(logger, out, start, apperrors.HandlerExecution(desc.ID, &sanitizedError{msg: msg, err: err}))
	}

	out.Result, out.Truncated = d.filters.Sanitize(result)
	out.Duration = time.Since(start)
	logger.Info().
		Dur("handler_duration", time.Since(invokeStart)).
		Dur("duration", out.Duration).
		Bool("truncated", out.Truncated).
		Msg("request completed")
	return out, nil
}

func (d *Dispatcher) fail(logger zerolog.Logger, out *Outcome, start time.Time, err error) (*Outcome, error) {
	out.Duration = time.Since(start)
	code, _ := apperrors.CodeOf(err)
	event := logger.Warn()
	if !code.ClientError() {
		event = logger.Error()
	}
	event.Err(err).Str("code", string(code)).Dur("duration", out.Duration).Msg("request failed")
	return out, err
}

// await runs fn with an optional deadline and returns as soon as either fn
// finishes or the context ends, even if fn ignores its context. expired
// reports that the deadline or the caller's cancellation won.
func await[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (v T, expired bool, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return v, true, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: &panicError{value: p, stack: debug.Stack()}}
			}
		}()
		v, err := fn(ctx)
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil {
			return v, true, ctx.Err()
		}
		return r.v, false, r.err
	case <-ctx.Done():
		return v, true, ctx.Err()
	}
}

// panicError is a recovered panic from a classifier or handler. The stack is
// logged, never returned to callers.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func logPanic(logger zerolog.Logger, err error) {
	var pe *panicError
	if errors.As(err, &pe) {
		logger.Error().Str("panic", fmt.Sprint(pe.value)).Bytes("stack", pe.stack).Msg("recovered panic")
	}
}

// sanitizedError presents a filtered message while keeping the original
// error in the chain.
type sanitizedError struct {
	msg string
	err error
}

func (e *sanitizedError) Error() string { return e.msg }
func (e *sanitizedError) Unwrap() error { return e.err }
