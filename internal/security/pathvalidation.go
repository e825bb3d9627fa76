// Package security confines the files a job may read and write.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideDir is returned when a path resolves outside every permitted
// directory.
var ErrOutsideDir = errors.New("path is outside the permitted directories")

// maxNameLen caps SanitizeFilename output.
const maxNameLen = 128

// canonical resolves p to an absolute path with symlinks evaluated. For a
// path that does not exist yet, the deepest existing ancestor is resolved
// and the missing tail re-attached.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", p, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	var tail []string
	dir := abs
	for {
		parent := filepath.Dir(dir)
		tail = append([]string{filepath.Base(dir)}, tail...)
		if parent == dir {
			return abs, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		dir = parent
	}
}

// ValidatePathWithinDirectory returns an error wrapping ErrOutsideDir when
// filePath, after following symlinks, is not dir or below it. dir must
// exist.
func ValidatePathWithinDirectory(filePath, dir string) error {
	target, err := canonical(filePath)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s escapes %s", ErrOutsideDir, filePath, dir)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts filePath if it lies within any of
// dirs. An empty dirs rejects everything.
func ValidatePathWithinAllowedDirs(filePath string, dirs []string) error {
	for _, dir := range dirs {
		if ValidatePathWithinDirectory(filePath, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not within %v", ErrOutsideDir, filePath, dirs)
}

// SanitizeFilename reduces s to ASCII letters, digits, '.', '_' and '-'.
// Runs of other characters become one underscore, leading and trailing dots
// and underscores are trimmed, and the result is capped at 128 bytes. An
// empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	gap := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		ok := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
			r == '.' || r == '_' || r == '-'
		switch {
		case ok:
			b.WriteRune(r)
			gap = false
		case !gap:
			b.WriteByte('_')
			gap = true
		}
	}
	if out := strings.Trim(b.String(), "._"); out != "" {
		return out
	}
	return "unknown"
}
