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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dataworks/internal/handlers"
	"dataworks/internal/sandbox"
	"dataworks/internal/task"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// clearEnv blanks every variable LoadConfig reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DATAWORKS_ROOT", "OPENAI_API_KEY", "AIPROXY_TOKEN", "OPENAI_API_URL",
		"DATAWORKS_MODEL", "DATAWORKS_ADDR", "PORT", "USER_EMAIL",
	} {
		t.Setenv(name, "")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{"api_key":"file-key","model":"gpt-file","api_url":"https://file.example","sandbox_root":"/srv/file"}`)
	t.Setenv("OPENAI_API_KEY", "env-key")
	t.Setenv("OPENAI_API_URL", "https://env.example")
	t.Setenv("DATAWORKS_ROOT", "/srv/env")
	t.Setenv("USER_EMAIL", "env@example.com")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "env-key" {
		t.Fatalf("expected env key to override file, got %s", cfg.APIKey)
	}
	if cfg.APIURL != "https://env.example" {
		t.Fatalf("expected env API URL to override file, got %s", cfg.APIURL)
	}
	if cfg.SandboxRoot != "/srv/env" {
		t.Fatalf("expected env root to override file, got %s", cfg.SandboxRoot)
	}
	if cfg.Model != "gpt-file" {
		t.Fatalf("expected file model to be kept, got %s", cfg.Model)
	}
	if cfg.UserEmail != "env@example.com" {
		t.Fatalf("expected env user email, got %s", cfg.UserEmail)
	}
}

func TestMissingAPIKeyIsNotAnError(t *testing.T) {
	clearEnv(t)
	path := writeTempConfig(t, "config.json", `{}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "" {
		t.Fatalf("expected empty API key, got %q", cfg.APIKey)
	}

	var found bool
	for _, w := range cfg.Validate(nil) {
		if w.Field == "api_key" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a warning for the missing API key")
	}
}

func TestAIProxyToken(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIPROXY_TOKEN", "proxy-token")

	cfg, err := LoadConfig(writeTempConfig(t, "config.json", `{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "proxy-token" {
		t.Fatalf("expected AIPROXY_TOKEN to be used, got %s", cfg.APIKey)
	}
	if cfg.APIURL != aiProxyAPIURL {
		t.Fatalf("expected proxy URL, got %s", cfg.APIURL)
	}
}

func TestOpenAIKeyTakesPrecedenceOverProxy(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("AIPROXY_TOKEN", "proxy-token")

	cfg, err := LoadConfig(writeTempConfig(t, "config.json", `{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "openai-key" {
		t.Fatalf("expected OPENAI_API_KEY to take precedence, got %s", cfg.APIKey)
	}
	if cfg.APIURL != defaultAPIURL {
		t.Fatalf("expected OpenAI default URL, got %s", cfg.APIURL)
	}
}

func TestProxyTokenKeepsCustomURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("AIPROXY_TOKEN", "proxy-token")

	cfg, err := LoadConfig(writeTempConfig(t, "config.json", `{"api_url":"https://custom.example/v1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIURL != "https://custom.example/v1" {
		t.Fatalf("expected custom URL to be kept, got %s", cfg.APIURL)
	}
}

func TestListenAddrEnv(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"default", nil, defaultListenAddr},
		{"port", map[string]string{"PORT": "9000"}, ":9000"},
		{"addr wins over port", map[string]string{"PORT": "9000", "DATAWORKS_ADDR": "127.0.0.1:7000"}, "127.0.0.1:7000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadConfig("")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.ListenAddr != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, cfg.ListenAddr)
			}
		})
	}
}

func TestConfigValidationRejectsUnknownField(t *testing.T) {
	clearEnv(t)
	for _, content := range []string{
		`{"unknown_field":123}`,
		`{"limits":{"max_files":3}}`,
		`{"timeouts":{"per_tool_seconds":{"A1":3}}}`,
	} {
		if _, err := LoadConfig(writeTempConfig(t, "config.json", content)); err == nil || !strings.Contains(err.Error(), "unknown configuration field") {
			t.Fatalf("expected unknown field error for %s, got %v", content, err)
		}
	}
}

func TestConfigValidationRejectsInvalidType(t *testing.T) {
	clearEnv(t)
	for _, content := range []string{
		`{"limits":{"max_file_size_bytes":"oops"}}`,
		`{"timeouts":{"default_seconds":1.5}}`,
		`{"output_filters":{"strip_ansi":"yes"}}`,
		`{"timeouts":{"per_operation_seconds":{"A2":"slow"}}}`,
		`{"model":7}`,
	} {
		if _, err := LoadConfig(writeTempConfig(t, "config.json", content)); err == nil {
			t.Fatalf("expected error for invalid type in %s", content)
		}
	}
}

func TestDefaultsApplied(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(writeTempConfig(t, "config.json", `{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SandboxRoot != sandbox.DefaultRoot {
		t.Fatalf("expected default root, got %s", cfg.SandboxRoot)
	}
	if cfg.Model != handlers.DefaultChatModel {
		t.Fatalf("expected default model, got %s", cfg.Model)
	}
	if cfg.APIURL != defaultAPIURL {
		t.Fatalf("expected default API URL, got %s", cfg.APIURL)
	}
	if diff := cmp.Diff(sandbox.DefaultLimits(), cfg.SandboxLimits()); diff != "" {
		t.Fatalf("limits mismatch (-want +got):\n%s", diff)
	}
	timeouts := cfg.TimeoutConfig()
	if timeouts.Classify != 30*time.Second || timeouts.TimeoutForOperation("b8") != 180*time.Second {
		t.Fatalf("unexpected default timeouts: %+v", timeouts)
	}
}

func TestLoadConfigMissingFileReturnsDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "test-key")
	cfg, err := LoadConfig("/nonexistent/config.json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.APIKey != "test-key" {
		t.Error("expected env API key to be applied even without config file")
	}
	if cfg.Model == "" {
		t.Error("expected default model to be set")
	}
}

func TestYAMLConfig(t *testing.T) {
	clearEnv(t)
	content := `
sandbox_root: /srv/data
model: gpt-yaml
limits:
  max_directory_depth: 4
timeouts:
  default_seconds: 5
  per_operation_seconds:
    a2: 90
output_filters:
  max_chars: 1200
  strip_ansi: false
`
	cfg, err := LoadConfig(writeTempConfig(t, "config.yaml", content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SandboxRoot != "/srv/data" || cfg.Model != "gpt-yaml" {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if cfg.Limits.MaxDirectoryDepth != 4 {
		t.Fatalf("expected depth 4, got %d", cfg.Limits.MaxDirectoryDepth)
	}
	// untouched limits keep their defaults
	if cfg.Limits.MaxFileSizeBytes != sandbox.DefaultLimits().MaxFileSizeBytes {
		t.Fatalf("expected default file size, got %d", cfg.Limits.MaxFileSizeBytes)
	}

	timeouts := cfg.TimeoutConfig()
	if timeouts.TimeoutForOperation("A2") != 90*time.Second {
		t.Fatalf("expected A2 timeout 90s, got %s", timeouts.TimeoutForOperation("A2"))
	}
	if timeouts.TimeoutForOperation("A3") != 5*time.Second {
		t.Fatalf("expected default 5s, got %s", timeouts.TimeoutForOperation("A3"))
	}

	filters := cfg.OutputFilterConfig()
	if filters.MaxChars != 1200 || filters.StripANSI || !filters.StripControl {
		t.Fatalf("unexpected filters: %+v", filters)
	}
}

func TestYAMLRejectsUnknownField(t *testing.T) {
	clearEnv(t)
	if _, err := LoadConfig(writeTempConfig(t, "config.yml", "sandbox_root: /data\nworkers: 3\n")); err == nil {
		t.Fatal("expected error for unknown YAML field")
	}
}

func TestLegacyKeysMigrated(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(writeTempConfig(t, "config.json", `{"root":"/legacy","port":8080}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.SandboxRoot != "/legacy" || cfg.ListenAddr != ":8080" {
		t.Fatalf("legacy keys not migrated: root=%s addr=%s", cfg.SandboxRoot, cfg.ListenAddr)
	}
}

func TestValidateWarnings(t *testing.T) {
	d, err := task.NewDescriptor("A1", "first", nil, func(context.Context, *task.Request) (string, error) {
		return "", nil
	})
	if err != nil {
		t.Fatalf("failed to define operation: %v", err)
	}
	reg := task.NewRegistry("test")
	reg.MustRegister(d)
	reg.Seal()

	cfg := DefaultConfig()
	cfg.APIKey = "k"
	cfg.SandboxRoot = "relative/data"
	cfg.UserEmail = "not an address"
	cfg.Timeouts.PerOperationSeconds = map[string]int{"A1": 0, "Z9": 10}
	cfg.OutputFilters.MaxChars = 0

	fields := map[string]int{}
	for _, w := range cfg.Validate(reg) {
		fields[w.Field]++
	}
	want := map[string]int{
		"sandbox_root":                   1,
		"user_email":                     1,
		"timeouts.per_operation_seconds": 2,
		"output_filters.max_chars":       1,
	}
	if diff := cmp.Diff(want, fields); diff != "" {
		t.Fatalf("warnings mismatch (-want +got):\n%s", diff)
	}
}

func TestSchemaAndExample(t *testing.T) {
	var schema map[string]interface{}
	if err := json.Unmarshal([]byte(SchemaJSON()), &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if _, err := normalizeConfigJSON([]byte(ExampleConfigJSON())); err != nil {
		t.Fatalf("example config does not validate: %v", err)
	}
}
