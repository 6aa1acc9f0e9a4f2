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
	"context"
	"fmt"
	"reflect"
	"strings"
)

// HandlerFunc executes an authorized request and returns its textual result.
type HandlerFunc func(ctx context.Context, req *Request) (string, error)

// Descriptor binds an operation id to its argument schema and handler.
type Descriptor struct {
	ID      string
	Summary string
	Schema  Schema
	// Parameters is the JSON schema advertised to the classifier.
	Parameters map[string]interface{}

	handler HandlerFunc
	check   func(values map[string]Value) error
}

// NewDescriptor declares an operation with an explicit schema. Handlers read
// their arguments from the request.
func NewDescriptor(id, summary string, schema Schema, handler HandlerFunc) (*Descriptor, error) {
	id = normalizeID(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: %s has no handler", ErrInvalidDefinition, id)
	}
	seen := make(map[string]bool, len(schema))
	for _, f := range schema {
		if f.Name == "" || seen[f.Name] {
			return nil, fmt.Errorf("%w: %s has an empty or duplicate field %q", ErrInvalidDefinition, id, f.Name)
		}
		if f.Type == FieldEnum && len(f.Enum) == 0 {
			return nil, fmt.Errorf("%w: %s.%s is an enum without values", ErrInvalidDefinition, id, f.Name)
		}
		seen[f.Name] = true
	}
	return &Descriptor{
		ID:         id,
		Summary:    summary,
		Schema:     schema,
		Parameters: parametersFromSchema(schema),
		handler:    handler,
	}, nil
}

// Define declares an operation whose arguments are the tagged fields of A.
// run receives a populated A built from the authorized request, so path
// fields already hold canonical paths inside the sandbox.
func Define[A any](id, summary string, run func(ctx context.Context, args A) (string, error)) (*Descriptor, error) {
	schema, err := SchemaOf[A]()
	if err != nil {
		return nil, err
	}
	params, err := parametersFor(reflect.TypeOf((*A)(nil)).Elem())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, id, err)
	}

	d, err := NewDescriptor(id, summary, schema, func(ctx context.Context, req *Request) (string, error) {
		var args A
		bind(schema, req.values, reflect.ValueOf(&args).Elem())
		return run(ctx, args)
	})
	if err != nil {
		return nil, err
	}
	d.Parameters = params
	d.check = func(values map[string]Value) error {
		var args A
		bind(schema, values, reflect.ValueOf(&args).Elem())
		return checkConstraints(args)
	}
	return d, nil
}

// MustDefine is like Define but panics on a malformed declaration.
func MustDefine[A any](id, summary string, run func(ctx context.Context, args A) (string, error)) *Descriptor {
	d, err := Define(id, summary, run)
	if err != nil {
		panic(err)
	}
	return d
}

// Invoke runs the handler. The request must have been validated against this
// descriptor and authorized by the sandbox guard.
func (d *Descriptor) Invoke(ctx context.Context, req *Request) (string, error) {
	if req == nil || req.desc != d || !req.authorized {
		return "", fmt.Errorf("%w: %s", ErrUnauthorizedRequest, d.ID)
	}
	return d.handler(ctx, req)
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
