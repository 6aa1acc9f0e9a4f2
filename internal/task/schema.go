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

package task

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// FieldType is the declared type of an operation argument.
type FieldType string

const (
	FieldPath    FieldType = "path"
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldEnum    FieldType = "enum"
)

// Field describes one named argument of an operation.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	// Enum lists the allowed values of an enum field, in their canonical spelling.
	Enum []string
	// Default is applied when an optional field is absent. Empty means no default.
	Default string

	index int
}

// Schema is the ordered argument list of an operation.
type Schema []Field

// PathFields returns the names of all path-typed fields.
func (s Schema) PathFields() []string {
	var names []string
	for _, f := range s {
		if f.Type == FieldPath {
			names = append(names, f.Name)
		}
	}
	return names
}

// SchemaOf derives the schema of an argument struct from its tags.
//
// The json tag names the field and marks it optional with omitempty. The arg
// tag declares the type: "path", "string", "integer" or "enum=a|b|c",
// optionally followed by ",default=value". Fields without an arg tag are not
// part of the schema.
func SchemaOf[A any]() (Schema, error) {
	t := reflect.TypeOf((*A)(nil)).Elem()
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s is not a struct", ErrInvalidDefinition, t)
	}

	var schema Schema
	seen := make(map[string]bool)
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		argTag, ok := sf.Tag.Lookup("arg")
		if !ok {
			continue
		}
		if !sf.IsExported() {
			return nil, fmt.Errorf("%w: field %s is not exported", ErrInvalidDefinition, sf.Name)
		}

		field, err := parseField(sf, argTag)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidDefinition, t.Name(), sf.Name, err)
		}
		if seen[field.Name] {
			return nil, fmt.Errorf("%w: %s declares %q twice", ErrInvalidDefinition, t.Name(), field.Name)
		}
		seen[field.Name] = true
		field.index = i
		schema = append(schema, field)
	}
	return schema, nil
}

func parseField(sf reflect.StructField, argTag string) (Field, error) {
	name, jsonOpts, _ := strings.Cut(sf.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return Field{}, fmt.Errorf("missing json name")
	}
	f := Field{Name: name, Required: !strings.Contains(jsonOpts, "omitempty")}

	parts := strings.Split(argTag, ",")
	kind := strings.TrimSpace(parts[0])
	switch {
	case kind == string(FieldPath), kind == string(FieldString):
		f.Type = FieldType(kind)
	case kind == string(FieldInteger):
		f.Type = FieldInteger
	case strings.HasPrefix(kind, "enum="):
		f.Type = FieldEnum
		for _, v := range strings.Split(strings.TrimPrefix(kind, "enum="), "|") {
			if v = strings.TrimSpace(v); v != "" {
				f.Enum = append(f.Enum, v)
			}
		}
		if len(f.Enum) == 0 {
			return Field{}, fmt.Errorf("enum without values")
		}
	default:
		return Field{}, fmt.Errorf("unknown arg type %q", kind)
	}

	for _, opt := range parts[1:] {
		key, value, _ := strings.Cut(strings.TrimSpace(opt), "=")
		switch key {
		case "default":
			f.Default = value
		default:
			return Field{}, fmt.Errorf("unknown arg option %q", key)
		}
	}

	switch f.Type {
	case FieldInteger:
		switch sf.Type.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		default:
			return Field{}, fmt.Errorf("integer field must be a signed integer, got %s", sf.Type)
		}
		if f.Default != "" {
			if _, err := strconv.ParseInt(f.Default, 10, 64); err != nil {
				return Field{}, fmt.Errorf("invalid integer default %q", f.Default)
			}
		}
	default:
		if sf.Type.Kind() != reflect.String {
			return Field{}, fmt.Errorf("%s field must be a string, got %s", f.Type, sf.Type)
		}
	}
	if f.Type == FieldEnum && f.Default != "" {
		if _, ok := matchEnum(f.Enum, f.Default); !ok {
			return Field{}, fmt.Errorf("default %q is not one of %v", f.Default, f.Enum)
		}
	}
	if f.Required && f.Default != "" {
		return Field{}, fmt.Errorf("required field cannot have a default")
	}
	return f, nil
}

func matchEnum(values []string, candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	for _, v := range values {
		if strings.EqualFold(v, candidate) {
			return v, true
		}
	}
	return "", false
}

// bind copies validated values into the argument struct described by schema.
func bind(schema Schema, values map[string]Value, dst reflect.Value) {
	for _, f := range schema {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		target := dst.Field(f.index)
		if f.Type == FieldInteger {
			target.SetInt(v.Int)
			continue
		}
		target.SetString(v.Text)
	}
}
