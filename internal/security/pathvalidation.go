// Package security guards file-system paths derived from untrusted input:
// archive entry names inside recordings and window names used for snapshot
// files.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks that filePath resolves inside safeDir.
// Symlinks on either side are resolved first, walking up to the nearest
// existing parent when filePath itself does not exist yet.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}

	canonicalPath := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonicalPath = resolved
	} else {
		// Not created yet: resolve the closest existing parent so that
		// dir/evil-link/newfile cannot hop out through a symlink.
		checkPath := absPath
		for {
			parentDir := filepath.Dir(checkPath)
			if parentDir == checkPath {
				break
			}
			if resolved, err := filepath.EvalSymlinks(parentDir); err == nil {
				relToParent, _ := filepath.Rel(parentDir, absPath)
				canonicalPath = filepath.Join(resolved, relToParent)
				break
			}
			checkPath = parentDir
		}
	}

	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	relPath, err := filepath.Rel(canonicalSafeDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}

	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}

	return nil
}

// ArchiveEntryPath maps an archive entry name onto destDir and rejects
// absolute names and names that would land outside destDir.
func ArchiveEntryPath(destDir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty archive entry name")
	}
	slashed := filepath.ToSlash(name)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("absolute archive entry name %q", name)
	}

	target := filepath.Join(destDir, filepath.FromSlash(slashed))
	if err := ValidatePathWithinDirectory(target, destDir); err != nil {
		return "", err
	}
	return target, nil
}

// SanitizeFilename makes a safe filename from an arbitrary string. Anything
// other than ASCII letters, digits, dot, underscore or dash becomes a single
// underscore and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	const maxLen = 128
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
