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

import "errors"

var (
	// ErrInvalidDefinition marks an operation whose declaration is malformed.
	ErrInvalidDefinition = errors.New("invalid operation definition")
	// ErrRegistrySealed is returned when registering after Seal.
	ErrRegistrySealed = errors.New("registry is sealed")
	// ErrOperationNotFound is returned when an id is not in the registry.
	ErrOperationNotFound = errors.New("unsupported tool")
	// ErrDuplicateOperation is returned when an id is registered twice.
	ErrDuplicateOperation = errors.New("operation already registered")
	// ErrUnauthorizedRequest is returned when a handler is invoked with a
	// request that has not passed the sandbox check.
	ErrUnauthorizedRequest = errors.New("request has not been authorized")
)
