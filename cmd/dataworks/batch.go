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
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"dataworks/internal/dispatch"
	apperrors "dataworks/internal/errors"
)

type taskRunner interface {
	Run(ctx context.Context, text string) (*dispatch.Outcome, error)
}

// runBatch runs one task per non-empty input line and reports every outcome.
// It keeps going after failures and returns an error when any task failed.
func runBatch(ctx context.Context, d taskRunner, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	logger.Debug().Msg("Running in batch mode")

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var total, failed int
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		total++

		outcome, err := d.Run(ctx, line)
		if err != nil {
			failed++
			fmt.Fprintln(out, formatFailure(err))
			continue
		}
		fmt.Fprintf(out, "ok [%s] %s\n", outcome.Operation, outcome.Result)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading input: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch interrupted after %d tasks: %w", total, err)
	}

	logger.Info().Int("tasks", total).Int("failed", failed).Msg("Batch finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, total)
	}
	return nil
}

func formatFailure(err error) string {
	code, ok := apperrors.CodeOf(err)
	if !ok {
		code = "internal"
	}
	return fmt.Sprintf("error [%s] %s", code, err.Error())
}
