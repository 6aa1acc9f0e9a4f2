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

package config

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dataworks/internal/dispatch"
	"dataworks/internal/handlers"
	"dataworks/internal/sandbox"
	"dataworks/internal/task"
)

const (
	defaultAPIURL     = "https://api.openai.com/v1"
	aiProxyAPIURL     = "https://aiproxy.sanand.workers.dev/openai/v1"
	defaultListenAddr = ":8000"
)

// Config represents the application configuration
type Config struct {
	SandboxRoot        string        `json:"sandbox_root"`
	APIKey             string        `json:"api_key,omitempty"`
	APIURL             string        `json:"api_url,omitempty"`
	Model              string        `json:"model"`
	EmbeddingModel     string        `json:"embedding_model,omitempty"`
	TranscriptionModel string        `json:"transcription_model,omitempty"`
	ListenAddr         string        `json:"listen_addr"`
	UserEmail          string        `json:"user_email,omitempty"`
	DatagenURL         string        `json:"datagen_url,omitempty"`
	Limits             Limits        `json:"limits,omitempty"`
	Timeouts           Timeouts      `json:"timeouts,omitempty"`
	OutputFilters      OutputFilters `json:"output_filters,omitempty"`
}

// Limits configures resource limits for guarded file and process access.
type Limits struct {
	MaxFileSizeBytes    int64 `json:"max_file_size_bytes,omitempty"`
	MaxDirectoryDepth   int   `json:"max_directory_depth,omitempty"`
	MaxDirectoryEntries int   `json:"max_directory_entries,omitempty"`
	MaxProcessOutput    int   `json:"max_process_output,omitempty"`
}

// Timeouts configures the classification and handler deadlines.
type Timeouts struct {
	ClassifySeconds     int            `json:"classify_seconds,omitempty"`
	DefaultSeconds      int            `json:"default_seconds,omitempty"`
	PerOperationSeconds map[string]int `json:"per_operation_seconds,omitempty"`
}

// OutputFilters configures sanitization of results returned to callers.
type OutputFilters struct {
	MaxChars     int  `json:"max_chars,omitempty"`
	StripANSI    bool `json:"strip_ansi,omitempty"`
	StripControl bool `json:"strip_control,omitempty"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	limits := sandbox.DefaultLimits()
	timeouts := dispatch.DefaultTimeoutConfig()
	filters := dispatch.DefaultOutputFilterConfig()

	perOperation := make(map[string]int, len(timeouts.PerOperation))
	for id, d := range timeouts.PerOperation {
		perOperation[id] = int(d.Seconds())
	}

	return &Config{
		SandboxRoot:        sandbox.DefaultRoot,
		APIURL:             defaultAPIURL,
		Model:              handlers.DefaultChatModel,
		EmbeddingModel:     handlers.DefaultEmbeddingModel,
		TranscriptionModel: handlers.DefaultTranscriptionModel,
		ListenAddr:         defaultListenAddr,
		UserEmail:          handlers.DefaultUserEmail,
		DatagenURL:         handlers.DefaultDatagenURL,
		Limits: Limits{
			MaxFileSizeBytes:    limits.MaxFileSizeBytes,
			MaxDirectoryDepth:   limits.MaxDirectoryDepth,
			MaxDirectoryEntries: limits.MaxDirectoryEntries,
			MaxProcessOutput:    limits.MaxProcessOutput,
		},
		Timeouts: Timeouts{
			ClassifySeconds:     int(timeouts.Classify.Seconds()),
			DefaultSeconds:      int(timeouts.Default.Seconds()),
			PerOperationSeconds: perOperation,
		},
		OutputFilters: OutputFilters{
			MaxChars:     filters.MaxChars,
			StripANSI:    filters.StripANSI,
			StripControl: filters.StripControl,
		},
	}
}

// LoadConfig loads configuration from a JSON or YAML file over the defaults
// and applies environment overrides. A missing file is not an error, and
// neither is a missing API key: classification fails on use instead.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			if isYAML(path) {
				if data, err = yamlToJSON(data); err != nil {
					return nil, fmt.Errorf("invalid YAML config %s: %w", path, err)
				}
			}
			normalized, err := normalizeConfigJSON(data)
			if err != nil {
				return nil, fmt.Errorf("invalid config %s: %w", path, err)
			}
			if err := json.Unmarshal(normalized, config); err != nil {
				return nil, fmt.Errorf("invalid config %s: %w", path, err)
			}
		}
	}

	applyEnv(config)

	if config.SandboxRoot == "" {
		config.SandboxRoot = sandbox.DefaultRoot
	}
	if config.Model == "" {
		config.Model = handlers.DefaultChatModel
	}
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	if config.ListenAddr == "" {
		config.ListenAddr = defaultListenAddr
	}
	return config, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func applyEnv(config *Config) {
	if val := os.Getenv("DATAWORKS_ROOT"); val != "" {
		config.SandboxRoot = val
	}

	// OPENAI_API_KEY takes precedence over AIPROXY_TOKEN
	if val := os.Getenv("OPENAI_API_KEY"); val != "" {
		config.APIKey = val
	} else if val := os.Getenv("AIPROXY_TOKEN"); val != "" {
		config.APIKey = val
		if config.APIURL == defaultAPIURL {
			config.APIURL = aiProxyAPIURL
		}
	}
	if val := os.Getenv("OPENAI_API_URL"); val != "" {
		config.APIURL = val
	}
	if val := os.Getenv("DATAWORKS_MODEL"); val != "" {
		config.Model = val
	}

	if val := os.Getenv("DATAWORKS_ADDR"); val != "" {
		config.ListenAddr = val
	} else if val := os.Getenv("PORT"); val != "" {
		config.ListenAddr = ":" + val
	}
	if val := os.Getenv("USER_EMAIL"); val != "" {
		config.UserEmail = val
	}
}

// SandboxLimits returns limits for the sandbox guard.
func (c *Config) SandboxLimits() sandbox.Limits {
	return sandbox.Limits{
		MaxFileSizeBytes:    c.Limits.MaxFileSizeBytes,
		MaxDirectoryDepth:   c.Limits.MaxDirectoryDepth,
		MaxDirectoryEntries: c.Limits.MaxDirectoryEntries,
		MaxProcessOutput:    c.Limits.MaxProcessOutput,
	}
}

// TimeoutConfig returns the dispatcher deadlines.
func (c *Config) TimeoutConfig() dispatch.TimeoutConfig {
	perOperation := make(map[string]time.Duration, len(c.Timeouts.PerOperationSeconds))
	for id, seconds := range c.Timeouts.PerOperationSeconds {
		if seconds <= 0 {
			continue
		}
		perOperation[strings.ToUpper(id)] = time.Duration(seconds) * time.Second
	}

	var classify, def time.Duration
	if c.Timeouts.ClassifySeconds > 0 {
		classify = time.Duration(c.Timeouts.ClassifySeconds) * time.Second
	}
	if c.Timeouts.DefaultSeconds > 0 {
		def = time.Duration(c.Timeouts.DefaultSeconds) * time.Second
	}

	return dispatch.TimeoutConfig{
		Classify:     classify,
		Default:      def,
		PerOperation: perOperation,
	}
}

// OutputFilterConfig returns result sanitization settings.
func (c *Config) OutputFilterConfig() dispatch.OutputFilterConfig {
	return dispatch.OutputFilterConfig{
		MaxChars:     c.OutputFilters.MaxChars,
		StripANSI:    c.OutputFilters.StripANSI,
		StripControl: c.OutputFilters.StripControl,
	}
}

// Models returns the model names used by handlers.
func (c *Config) Models() handlers.Models {
	return handlers.Models{
		Chat:          c.Model,
		Embedding:     c.EmbeddingModel,
		Transcription: c.TranscriptionModel,
	}
}

// ValidationWarning represents a non-fatal configuration issue
type ValidationWarning struct {
	Field   string
	Message string
}

// Validate checks the configuration for common issues and returns warnings
func (c *Config) Validate(registry *task.Registry) []ValidationWarning {
	var warnings []ValidationWarning

	if c.APIKey == "" {
		warnings = append(warnings, ValidationWarning{
			Field:   "api_key",
			Message: "no API key configured (set api_key, OPENAI_API_KEY or AIPROXY_TOKEN); tasks cannot be classified",
		})
	}

	if !filepath.IsAbs(c.SandboxRoot) {
		warnings = append(warnings, ValidationWarning{
			Field:   "sandbox_root",
			Message: fmt.Sprintf("sandbox_root %q is relative and depends on the working directory", c.SandboxRoot),
		})
	}

	if c.UserEmail != "" {
		if _, err := mail.ParseAddress(c.UserEmail); err != nil {
			warnings = append(warnings, ValidationWarning{
				Field:   "user_email",
				Message: fmt.Sprintf("user_email %q is not a valid address", c.UserEmail),
			})
		}
	}

	if registry != nil {
		for id, seconds := range c.Timeouts.PerOperationSeconds {
			if _, ok := registry.Lookup(id); !ok {
				warnings = append(warnings, ValidationWarning{
					Field:   "timeouts.per_operation_seconds",
					Message: fmt.Sprintf("operation %q is not in the catalog", id),
				})
			}
			if seconds <= 0 {
				warnings = append(warnings, ValidationWarning{
					Field:   "timeouts.per_operation_seconds",
					Message: fmt.Sprintf("timeout for %q must be positive, using default", id),
				})
			}
		}
	}

	if c.Timeouts.ClassifySeconds < 0 || c.Timeouts.DefaultSeconds < 0 {
		warnings = append(warnings, ValidationWarning{
			Field:   "timeouts",
			Message: "negative timeouts are ignored",
		})
	}

	if c.OutputFilters.MaxChars <= 0 {
		warnings = append(warnings, ValidationWarning{
			Field:   "output_filters.max_chars",
			Message: fmt.Sprintf("max_chars %d should be positive, using default", c.OutputFilters.MaxChars),
		})
	}

	return warnings
}
