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

package dispatch

import (
	"strings"
	"time"
)

// TimeoutConfig bounds the two blocking stages of a request. A zero duration
// means no deadline beyond the caller's context.
type TimeoutConfig struct {
	Classify     time.Duration
	Default      time.Duration
	PerOperation map[string]time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Classify: 30 * time.Second,
		Default:  60 * time.Second,
		PerOperation: map[string]time.Duration{
			"A2": 120 * time.Second,
			"B4": 120 * time.Second,
			"B8": 180 * time.Second,
		},
	}
}

// TimeoutForOperation returns the handler timeout for an operation.
func (t TimeoutConfig) TimeoutForOperation(id string) time.Duration {
	if t.PerOperation != nil {
		if timeout, ok := t.PerOperation[strings.ToUpper(id)]; ok {
			return timeout
		}
	}
	return t.Default
}
