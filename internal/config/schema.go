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
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaJSON returns the JSON schema for the configuration file.
func SchemaJSON() string {
	return configSchemaJSON
}

// ExampleConfigJSON returns a minimal example config derived from the schema.
func ExampleConfigJSON() string {
	return exampleConfigJSON
}

// yamlToJSON converts a YAML document into the JSON form checked by
// normalizeConfigJSON, so both formats share one validator.
func yamlToJSON(data []byte) ([]byte, error) {
	raw := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return json.Marshal(raw)
}

func normalizeConfigJSON(data []byte) ([]byte, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	migrateLegacyConfig(raw)
	if err := validateConfigMap(raw, ""); err != nil {
		return nil, err
	}
	canonicalizeOperationIDs(raw)
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return normalized, nil
}

// migrateLegacyConfig accepts the flat "root" and "port" keys of older
// deployments.
func migrateLegacyConfig(raw map[string]interface{}) {
	if root, ok := raw["root"]; ok {
		if _, set := raw["sandbox_root"]; !set {
			raw["sandbox_root"] = root
		}
		delete(raw, "root")
	}
	if port, ok := raw["port"].(float64); ok {
		if _, set := raw["listen_addr"]; !set {
			raw["listen_addr"] = fmt.Sprintf(":%d", int(port))
		}
		delete(raw, "port")
	}
}

// canonicalizeOperationIDs upper-cases the keys of per_operation_seconds so
// they replace the matching defaults when decoded.
func canonicalizeOperationIDs(raw map[string]interface{}) {
	timeouts, ok := raw["timeouts"].(map[string]interface{})
	if !ok {
		return
	}
	perOperation, ok := timeouts["per_operation_seconds"].(map[string]interface{})
	if !ok {
		return
	}
	canonical := make(map[string]interface{}, len(perOperation))
	for id, seconds := range perOperation {
		canonical[strings.ToUpper(strings.TrimSpace(id))] = seconds
	}
	timeouts["per_operation_seconds"] = canonical
}

func validateConfigMap(raw map[string]interface{}, prefix string) error {
	allowed := map[string]func(interface{}) error{
		"sandbox_root": func(v interface{}) error { return validateString(v, prefix+"sandbox_root") },
		"api_key":      func(v interface{}) error { return validateString(v, prefix+"api_key") },
		"api_url":      func(v interface{}) error { return validateString(v, prefix+"api_url") },
		"model":        func(v interface{}) error { return validateString(v, prefix+"model") },
		"embedding_model": func(v interface{}) error {
			return validateString(v, prefix+"embedding_model")
		},
		"transcription_model": func(v interface{}) error {
			return validateString(v, prefix+"transcription_model")
		},
		"listen_addr": func(v interface{}) error { return validateString(v, prefix+"listen_addr") },
		"user_email":  func(v interface{}) error { return validateString(v, prefix+"user_email") },
		"datagen_url": func(v interface{}) error { return validateString(v, prefix+"datagen_url") },
		"limits": func(v interface{}) error {
			return validateLimits(v, prefix+"limits.")
		},
		"timeouts": func(v interface{}) error {
			return validateTimeouts(v, prefix+"timeouts.")
		},
		"output_filters": func(v interface{}) error {
			return validateOutputFilters(v, prefix+"output_filters.")
		},
	}
	return validateSection(raw, allowed, prefix)
}

func validateLimits(value interface{}, prefix string) error {
	section, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%slimits must be an object", prefix)
	}
	allowed := map[string]func(interface{}) error{
		"max_file_size_bytes":   func(v interface{}) error { return validateInteger(v, prefix+"max_file_size_bytes") },
		"max_directory_depth":   func(v interface{}) error { return validateInteger(v, prefix+"max_directory_depth") },
		"max_directory_entries": func(v interface{}) error { return validateInteger(v, prefix+"max_directory_entries") },
		"max_process_output":    func(v interface{}) error { return validateInteger(v, prefix+"max_process_output") },
	}
	return validateSection(section, allowed, prefix)
}

func validateTimeouts(value interface{}, prefix string) error {
	section, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%stimeouts must be an object", prefix)
	}
	allowed := map[string]func(interface{}) error{
		"classify_seconds": func(v interface{}) error { return validateInteger(v, prefix+"classify_seconds") },
		"default_seconds":  func(v interface{}) error { return validateInteger(v, prefix+"default_seconds") },
		"per_operation_seconds": func(v interface{}) error {
			return validateStringIntegerMap(v, prefix+"per_operation_seconds")
		},
	}
	return validateSection(section, allowed, prefix)
}

func validateOutputFilters(value interface{}, prefix string) error {
	section, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%soutput_filters must be an object", prefix)
	}
	allowed := map[string]func(interface{}) error{
		"max_chars":     func(v interface{}) error { return validateInteger(v, prefix+"max_chars") },
		"strip_ansi":    func(v interface{}) error { return validateBool(v, prefix+"strip_ansi") },
		"strip_control": func(v interface{}) error { return validateBool(v, prefix+"strip_control") },
	}
	return validateSection(section, allowed, prefix)
}

func validateSection(section map[string]interface{}, allowed map[string]func(interface{}) error, prefix string) error {
	keys := make([]string, 0, len(section))
	for key := range section {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		validator, ok := allowed[key]
		if !ok {
			return fmt.Errorf("unknown configuration field %q", prefix+key)
		}
		if err := validator(section[key]); err != nil {
			return err
		}
	}
	return nil
}

func validateString(value interface{}, name string) error {
	if _, ok := value.(string); !ok {
		return fmt.Errorf("%s must be a string", name)
	}
	return nil
}

func validateInteger(value interface{}, name string) error {
	n, ok := value.(float64)
	if !ok || n != math.Trunc(n) {
		return fmt.Errorf("%s must be an integer", name)
	}
	return nil
}

func validateBool(value interface{}, name string) error {
	if _, ok := value.(bool); !ok {
		return fmt.Errorf("%s must be a boolean", name)
	}
	return nil
}

func validateStringIntegerMap(value interface{}, name string) error {
	section, ok := value.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%s must be an object of integer values", name)
	}
	for key, entry := range section {
		if err := validateInteger(entry, name+"."+key); err != nil {
			return err
		}
	}
	return nil
}

const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "Dataworks Config",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "sandbox_root": { "type": "string" },
    "api_key": { "type": "string" },
    "api_url": { "type": "string" },
    "model": { "type": "string" },
    "embedding_model": { "type": "string" },
    "transcription_model": { "type": "string" },
    "listen_addr": { "type": "string" },
    "user_email": { "type": "string" },
    "datagen_url": { "type": "string" },
    "limits": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_file_size_bytes": { "type": "integer" },
        "max_directory_depth": { "type": "integer" },
        "max_directory_entries": { "type": "integer" },
        "max_process_output": { "type": "integer" }
      }
    },
    "timeouts": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "classify_seconds": { "type": "integer" },
        "default_seconds": { "type": "integer" },
        "per_operation_seconds": { "type": "object", "additionalProperties": { "type": "integer" } }
      }
    },
    "output_filters": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "max_chars": { "type": "integer" },
        "strip_ansi": { "type": "boolean" },
        "strip_control": { "type": "boolean" }
      }
    }
  }
}`

const exampleConfigJSON = `{
  "sandbox_root": "/data",
  "api_url": "https://api.openai.com/v1",
  "model": "gpt-4o-mini",
  "listen_addr": ":8000",
  "user_email": "user@example.com",
  "timeouts": {
    "classify_seconds": 30,
    "default_seconds": 60,
    "per_operation_seconds": {
      "A2": 120,
      "B4": 120,
      "B8": 180
    }
  },
  "output_filters": {
    "max_chars": 4000,
    "strip_ansi": true,
    "strip_control": true
  }
}`
