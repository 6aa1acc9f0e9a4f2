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

// Package sandbox confines every filesystem reference to a single root
// directory and provides the guarded file primitives handlers use.
package sandbox

import (
	apperrors "dataworks/internal/errors"
	"dataworks/internal/paths"
)

// DefaultRoot is the conventional sandbox root.
const DefaultRoot = "/data"

// Verdict is the outcome of a sandbox check.
type Verdict string

const (
	Allow Verdict = "allow"
	Deny  Verdict = "deny"
)

// Decision records how a path was judged against the sandbox root.
type Decision struct {
	Input    string
	Resolved string
	Root     string
	Verdict  Verdict
	Reason   string
}

// Allowed reports whether the decision permits access.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow
}

// Err converts a deny decision into a SandboxViolation error.
func (d Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	return apperrors.SandboxViolation(d.Input, d.Reason)
}

// Check judges path against root. It fails with a SandboxConfig error when
// root itself cannot be canonicalized; a path outside root is reported in the
// returned Decision, not as an error.
func Check(path, root string) (Decision, error) {
	canonicalRoot, err := paths.CanonicalDir(root)
	if err != nil {
		return Decision{Input: path, Root: root, Verdict: Deny, Reason: "sandbox root unusable"},
			apperrors.SandboxConfig(root, err)
	}
	return check(path, canonicalRoot), nil
}

func check(path, root string) Decision {
	d := Decision{Input: path, Root: root, Verdict: Deny}

	if err := paths.ValidatePathString(path, paths.MaxPathLength); err != nil {
		d.Reason = err.Error()
		return d
	}

	resolved, err := paths.Canonicalize(path, root)
	if err != nil {
		d.Reason = err.Error()
		return d
	}
	d.Resolved = resolved

	if !paths.HasPathPrefix(resolved, root) {
		d.Reason = "resolves outside " + root
		return d
	}

	d.Verdict = Allow
	return d
}

// Guard judges paths against a root that was canonicalized once at startup.
// It holds no mutable state and is safe for concurrent use.
type Guard struct {
	root   string
	limits Limits
}

// NewGuard canonicalizes root and returns a guard for it.
func NewGuard(root string, limits Limits) (*Guard, error) {
	if root == "" {
		root = DefaultRoot
	}
	canonical, err := paths.CanonicalDir(root)
	if err != nil {
		return nil, apperrors.SandboxConfig(root, err)
	}
	return &Guard{root: canonical, limits: normalizeLimits(limits)}, nil
}

// Root returns the canonical sandbox root.
func (g *Guard) Root() string {
	return g.root
}

// Limits returns the resource limits enforced by the guarded file helpers.
func (g *Guard) Limits() Limits {
	return g.limits
}

// Check judges path against the guard's root.
func (g *Guard) Check(path string) Decision {
	return check(path, g.root)
}

// Resolve returns the canonical form of path, or a SandboxViolation error
// when it is not inside the root.
func (g *Guard) Resolve(path string) (string, error) {
	d := g.Check(path)
	if err := d.Err(); err != nil {
		return "", err
	}
	return d.Resolved, nil
}
