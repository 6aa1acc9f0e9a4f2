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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"dataworks/internal/task"
)

func runREPL(a *app, logger zerolog.Logger) error {
	logger.Debug().Msg("Running in interactive mode")
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return errors.New("repl needs a terminal on stdin; use '-' for batch mode")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "❯ ",
		AutoComplete:    commandCompleter(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(rl.Stdout(), "Dataworks", Version)
	fmt.Fprintf(rl.Stdout(), "Sandbox root: %s\n", a.guard.Root())
	fmt.Fprintln(rl.Stdout(), "Describe a task, or type /help")
	fmt.Fprintln(rl.Stdout())

	canceler := &operationCanceler{}
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	done := make(chan struct{})
	defer close(done)
	go canceler.Forward(interrupts, done)

	for {
		line, err := rl.Readline()
		if err != nil {
			switch classifyReadlineError(line, err) {
			case readlineContinue:
				continue
			case readlineExit:
				logger.Info().Msg("Session ended")
				return nil
			default:
				return err
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		canceler.Set(cancel)
		quit := handleLine(ctx, sanitizeInputLine(line), a.dispatcher, a.registry, rl.Stdout(), logger)
		canceler.Clear()
		cancel()
		if quit {
			logger.Info().Msg("Session ended")
			return nil
		}
	}
}

// handleLine runs one REPL line and reports whether the session should end.
func handleLine(ctx context.Context, line string, d taskRunner, reg *task.Registry, out io.Writer, logger zerolog.Logger) bool {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return false
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, "Describe a task in plain language, for example:")
		fmt.Fprintln(out, "  count the wednesdays in /data/dates.txt and write the number to /data/dates-wednesdays.txt")
		fmt.Fprintln(out, "Commands: /ops lists operations, /quit exits")
		return false
	case "/ops":
		for _, op := range reg.Operations() {
			fmt.Fprintf(out, "%-4s %s\n", op.ID, op.Summary)
		}
		return false
	}
	if strings.HasPrefix(line, "/") {
		fmt.Fprintf(out, "unknown command %s\n", line)
		return false
	}

	logger.Info().Int("task_chars", len(line)).Msg("User task received")
	outcome, err := d.Run(ctx, line)
	if err != nil {
		fmt.Fprintln(out, formatFailure(err))
		return false
	}
	fmt.Fprintf(out, "[%s] %s\n", outcome.Operation, outcome.Result)
	return false
}
