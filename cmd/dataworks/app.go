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
	"fmt"

	"github.com/rs/zerolog"

	"dataworks/internal/classifier"
	"dataworks/internal/config"
	"dataworks/internal/dispatch"
	"dataworks/internal/handlers"
	"dataworks/internal/sandbox"
	"dataworks/internal/task"
)

type app struct {
	guard      *sandbox.Guard
	registry   *task.Registry
	dispatcher *dispatch.Dispatcher
}

// newApp wires the guard, the sealed catalog, the classifier and the
// dispatcher from cfg.
func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	guard, err := sandbox.NewGuard(cfg.SandboxRoot, cfg.SandboxLimits())
	if err != nil {
		return nil, err
	}
	logger.Info().Str("root", guard.Root()).Msg("Sandbox root ready")

	// interfaces stay nil without credentials
	var chat classifier.ChatClient
	var ai handlers.AIClient
	if cfg.APIKey != "" {
		client := classifier.NewClient(cfg.APIKey, cfg.APIURL)
		chat, ai = client, client
	} else {
		logger.Warn().Msg("No API key configured; classification and AI operations are unavailable")
	}

	registry, err := handlers.NewRegistry(handlers.Deps{
		Guard:      guard,
		Runner:     sandbox.NewProcessRunner(guard),
		AI:         ai,
		Logger:     logger.With().Str("component", "handlers").Logger(),
		UserEmail:  cfg.UserEmail,
		DatagenURL: cfg.DatagenURL,
		Models:     cfg.Models(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog: %w", err)
	}

	cls, err := classifier.NewOpenAI(chat, cfg.Model, registry.Operations(), logger.With().Str("component", "classifier").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to build classifier: %w", err)
	}

	d, err := dispatch.New(cls, registry, guard, dispatch.Options{
		Timeouts: cfg.TimeoutConfig(),
		Filters:  cfg.OutputFilterConfig(),
		Logger:   logger.With().Str("component", "dispatch").Logger(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("catalog", registry.Version()).
		Int("operations", len(registry.Operations())).
		Str("model", cfg.Model).
		Msg("Dispatcher ready")

	return &app{guard: guard, registry: registry, dispatcher: d}, nil
}
