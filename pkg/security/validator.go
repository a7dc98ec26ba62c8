// Package security enforces size and path limits on untrusted inputs:
// source images, root tarballs and the trees extracted from them.
package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
)

// Validator checks image sizes and tarball contents against configured
// limits.
type Validator struct {
	maxFileSize         int64
	maxTotalSize        int64
	maxCompressionRatio float64

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator returns a Validator with the given per-file and total byte
// limits and maximum compression ratio.
func NewValidator(maxFileSize, maxTotalSize int64, maxCompressionRatio float64) *Validator {
	return &Validator{
		maxFileSize:         maxFileSize,
		maxTotalSize:        maxTotalSize,
		maxCompressionRatio: maxCompressionRatio,
	}
}

// ValidatePath rejects absolute paths and path traversal in archive
// member names.
func (v *Validator) ValidatePath(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("security: absolute path not allowed: %s", name)
	}
	if strings.HasPrefix(filepath.Clean(name), "..") {
		return fmt.Errorf("security: path traversal detected: %s", name)
	}
	return nil
}

// ValidateSymlink checks a symlink target in the context of the symlink's
// own location. Absolute targets are allowed (they are tree-relative once
// the tree becomes a root filesystem); relative targets must not resolve
// above the tree root.
func (v *Validator) ValidateSymlink(linkPath, target string) error {
	if filepath.IsAbs(target) {
		return nil
	}

	resolved := filepath.Clean(filepath.Join(filepath.Dir(linkPath), target))

	depth := 0
	for _, part := range strings.Split(resolved, string(filepath.Separator)) {
		switch part {
		case "..":
			depth--
		case "", ".":
		default:
			depth++
		}
	}
	if depth < 0 {
		slog.Error("symlink_escapes_tree", "symlink", linkPath, "target", target, "resolved", resolved)
		return fmt.Errorf("security: symlink %s -> %s resolves outside the tree", linkPath, target)
	}
	return nil
}

// ValidateFileSize checks a single file (or source image) against the
// per-file limit.
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		return fmt.Errorf("security: file size %d exceeds max %d", size, v.maxFileSize)
	}
	return nil
}

// AddExtractedSize accumulates extracted bytes and checks the total limit.
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size
	if v.currentTotalSize > v.maxTotalSize {
		return fmt.Errorf("security: total extracted size %d exceeds max %d", v.currentTotalSize, v.maxTotalSize)
	}
	return nil
}

// ValidateCompressionRatio rejects archives that expand suspiciously far
// beyond their compressed size.
func (v *Validator) ValidateCompressionRatio(compressed, uncompressed int64) error {
	if compressed == 0 {
		return fmt.Errorf("security: compressed size cannot be zero")
	}

	ratio := float64(uncompressed) / float64(compressed)
	if ratio > v.maxCompressionRatio {
		slog.Error("compression_bomb_detected", "ratio", ratio, "max_ratio", v.maxCompressionRatio)
		return fmt.Errorf("security: compression ratio %.2f exceeds max %.2f", ratio, v.maxCompressionRatio)
	}
	return nil
}

// Reset clears the accumulated extraction size.
func (v *Validator) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.currentTotalSize = 0
}

// CurrentTotalSize returns the bytes extracted so far.
func (v *Validator) CurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
