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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "dataworks/internal/errors"
	"dataworks/internal/paths"
)

// Intent is the classifier's proposal: an operation id and raw arguments.
type Intent struct {
	Operation string                 `json:"operation"`
	Args      map[string]interface{} `json:"args"`
}

// Value is a typed, validated argument.
type Value struct {
	Type FieldType
	Text string
	Int  int64
}

// Request is an intent that matched its operation schema. Path values are
// replaced by their canonical form when the request is authorized.
type Request struct {
	Operation string

	desc       *Descriptor
	values     map[string]Value
	authorized bool
}

// PathGuard resolves a path to its canonical form inside the sandbox, or
// fails with a sandbox violation.
type PathGuard interface {
	Resolve(path string) (string, error)
}

// Validate checks intent against d and returns a typed request. Every field
// is checked before any error is returned; the first failure in schema order
// is reported.
func Validate(intent Intent, d *Descriptor) (*Request, error) {
	if d == nil {
		return nil, apperrors.Validation("operation", "no operation to validate against")
	}
	if normalizeID(intent.Operation) != d.ID {
		return nil, apperrors.Validation("operation", fmt.Sprintf("intent names %q but schema is %s", intent.Operation, d.ID))
	}

	req := &Request{Operation: d.ID, desc: d, values: make(map[string]Value, len(d.Schema))}
	var first error
	for _, f := range d.Schema {
		raw, present := intent.Args[f.Name]
		if present && isBlank(raw) {
			present = false
		}
		if !present {
			if f.Required {
				if first == nil {
					first = apperrors.Validation(f.Name, fmt.Sprintf("missing required field %q (%s)", f.Name, f.Type))
				}
				continue
			}
			if f.Default != "" {
				v, err := coerce(f, f.Default)
				if err != nil && first == nil {
					first = apperrors.Validation(f.Name, err.Error())
				}
				req.values[f.Name] = v
			}
			continue
		}

		v, err := coerce(f, raw)
		if err != nil {
			if first == nil {
				first = apperrors.Validation(f.Name, err.Error())
			}
			continue
		}
		req.values[f.Name] = v
	}
	if first != nil {
		return nil, first
	}
	if d.check != nil {
		if err := d.check(req.values); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func isBlank(raw interface{}) bool {
	if raw == nil {
		return true
	}
	s, ok := raw.(string)
	return ok && strings.TrimSpace(s) == ""
}

func coerce(f Field, raw interface{}) (Value, error) {
	switch f.Type {
	case FieldInteger:
		n, err := toInt(raw)
		if err != nil {
			return Value{}, fmt.Errorf("field %q must be an integer: %v", f.Name, err)
		}
		return Value{Type: f.Type, Int: n, Text: strconv.FormatInt(n, 10)}, nil
	case FieldEnum:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("field %q must be a string, got %T", f.Name, raw)
		}
		canonical, ok := matchEnum(f.Enum, s)
		if !ok {
			return Value{}, fmt.Errorf("field %q must be one of %s, got %q", f.Name, strings.Join(f.Enum, ", "), s)
		}
		return Value{Type: f.Type, Text: canonical}, nil
	case FieldPath:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("field %q must be a path string, got %T", f.Name, raw)
		}
		s = strings.TrimSpace(s)
		if err := paths.ValidatePathString(s, paths.MaxPathLength); err != nil {
			return Value{}, fmt.Errorf("field %q: %v", f.Name, err)
		}
		return Value{Type: f.Type, Text: s}, nil
	default:
		s, ok := raw.(string)
		if !ok {
			return Value{}, fmt.Errorf("field %q must be a string, got %T", f.Name, raw)
		}
		return Value{Type: f.Type, Text: s}, nil
	}
}

func toInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%v is not a whole number", v)
		}
		// float64(math.MaxInt64) rounds up to 2^63.
		if v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("%v is out of range", v)
		}
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", raw)
	}
}

// Authorize resolves every path argument through guard. On success the
// request carries canonical paths and may be invoked; on the first violation
// the request stays unauthorized and the violation is returned.
func (r *Request) Authorize(guard PathGuard) error {
	if r == nil || r.desc == nil {
		return fmt.Errorf("%w: request was not validated", ErrUnauthorizedRequest)
	}
	resolved := make(map[string]Value, len(r.values))
	for k, v := range r.values {
		resolved[k] = v
	}
	for _, f := range r.desc.Schema {
		if f.Type != FieldPath {
			continue
		}
		v, ok := resolved[f.Name]
		if !ok {
			continue
		}
		canonical, err := guard.Resolve(v.Text)
		if err != nil {
			return err
		}
		v.Text = canonical
		resolved[f.Name] = v
	}
	r.values = resolved
	r.authorized = true
	return nil
}

// Authorized reports whether the request passed the sandbox check.
func (r *Request) Authorized() bool {
	return r != nil && r.authorized
}

// Value returns the named argument.
func (r *Request) Value(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Text returns the text of the named argument, or "" when absent.
func (r *Request) Text(name string) string {
	return r.values[name].Text
}

// Int returns the named integer argument, or 0 when absent.
func (r *Request) Int(name string) int64 {
	return r.values[name].Int
}

// Args returns the argument texts keyed by name, for logging.
func (r *Request) Args() map[string]string {
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v.Text
	}
	return out
}
