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

package sandbox

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "dataworks/internal/errors"
)

// ReadFile reads a file inside the sandbox. A path outside the root yields a
// SandboxViolation, a missing file yields NotFound.
func (g *Guard) ReadFile(path string) ([]byte, error) {
	resolved, err := g.statFile(path, true)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}

// Open opens a file inside the sandbox for reading. The size limit does not
// apply since callers stream the content.
func (g *Guard) Open(path string) (*os.File, error) {
	resolved, err := g.statFile(path, false)
	if err != nil {
		return nil, err
	}
	return os.Open(resolved)
}

// ResolveFile returns the canonical location of an existing regular file
// inside the sandbox that is within the configured size limit.
func (g *Guard) ResolveFile(path string) (string, error) {
	return g.statFile(path, true)
}

func (g *Guard) statFile(path string, limitSize bool) (string, error) {
	resolved, err := g.Resolve(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperrors.NotFound(path)
		}
		return "", fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return "", apperrors.Validation("path", fmt.Sprintf("%q is a directory", path))
	}
	if limitSize && info.Size() > g.limits.MaxFileSizeBytes {
		return "", apperrors.Validation("path", fmt.Sprintf("file exceeds maximum size of %d bytes", g.limits.MaxFileSizeBytes))
	}
	return resolved, nil
}

// WalkFunc is called for every regular file found by Walk. rel is the path
// relative to the walked directory, resolved is its canonical location.
type WalkFunc func(rel, resolved string, info fs.FileInfo) error

// Walk visits regular files below dir. Entries whose canonical location is
// outside the sandbox are skipped, and symlinked directories are not entered.
// When recursive is false only the direct children of dir are visited.
func (g *Guard) Walk(dir string, recursive bool, fn WalkFunc) error {
	base, err := g.Resolve(dir)
	if err != nil {
		return err
	}
	info, err := os.Stat(base)
	if err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound(dir)
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path '%s' is not a directory", dir)
	}

	entryCounts := make(map[string]int)
	return filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == base {
			return nil
		}

		parent := filepath.Dir(p)
		entryCounts[parent]++
		if entryCounts[parent] > g.limits.MaxDirectoryEntries {
			return fmt.Errorf("directory contains more than %d entries", g.limits.MaxDirectoryEntries)
		}

		rel, err := filepath.Rel(base, p)
		if err != nil {
			return fmt.Errorf("failed to compute relative path: %v", err)
		}
		depth := strings.Count(rel, string(os.PathSeparator)) + 1

		if d.IsDir() {
			if !recursive {
				return filepath.SkipDir
			}
			if depth >= g.limits.MaxDirectoryDepth {
				return fmt.Errorf("directory depth exceeds maximum of %d", g.limits.MaxDirectoryDepth)
			}
			return nil
		}

		resolved, err := g.Resolve(p)
		if err != nil {
			return nil
		}
		target, err := os.Stat(resolved)
		if err != nil || !target.Mode().IsRegular() {
			return nil
		}
		return fn(rel, resolved, target)
	})
}

// WriteFileAtomic writes data to path inside the sandbox. The content is
// written to a temporary file in the destination directory and renamed into
// place, so readers never observe a partially written file.
func (g *Guard) WriteFileAtomic(path string, data []byte, perm os.FileMode) (string, error) {
	resolved, err := g.Resolve(path)
	if err != nil {
		return "", err
	}
	if int64(len(data)) > g.limits.MaxFileSizeBytes {
		return "", fmt.Errorf("content exceeds maximum size of %d bytes", g.limits.MaxFileSizeBytes)
	}
	if info, err := os.Stat(resolved); err == nil && info.IsDir() {
		return "", fmt.Errorf("path '%s' is a directory", path)
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(resolved)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, resolved); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	committed = true
	return resolved, nil
}
