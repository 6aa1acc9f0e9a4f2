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
	"sync"
	"sync/atomic"
)

// Registry maps operation ids to descriptors. It is populated once at
// startup and sealed; after Seal it is read-only and safe for concurrent use
// without locking.
type Registry struct {
	version string

	mu     sync.Mutex
	ops    map[string]*Descriptor
	order  []string
	sealed atomic.Bool
}

// NewRegistry creates an empty registry for a catalog version.
func NewRegistry(version string) *Registry {
	return &Registry{version: version, ops: make(map[string]*Descriptor)}
}

// Version returns the catalog version the registry was built for.
func (r *Registry) Version() string {
	return r.version
}

// Register adds a descriptor. It fails once the registry is sealed or when
// the id is already taken.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrInvalidDefinition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %s", ErrRegistrySealed, d.ID)
	}
	if _, exists := r.ops[d.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOperation, d.ID)
	}
	r.ops[d.ID] = d
	r.order = append(r.order, d.ID)
	return nil
}

// MustRegister registers every descriptor and panics on the first failure.
func (r *Registry) MustRegister(ds ...*Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	return r.sealed.Load()
}

// Lookup returns the descriptor for id. Ids are matched case-insensitively.
func (r *Registry) Lookup(id string) (*Descriptor, bool) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	d, ok := r.ops[normalizeID(id)]
	return d, ok
}

// Operations returns the descriptors in registration order.
func (r *Registry) Operations() []*Descriptor {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]*Descriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.ops[id])
	}
	return out
}
