package security

import (
	"testing"
)

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(1024, 1024, 10.0)

	tests := []struct {
		path      string
		shouldErr bool
	}{
		{"file.txt", false},
		{"dir/file.txt", false},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"dir/../file.txt", false},
		{"dir/../../etc/passwd", true},
	}

	for _, tt := range tests {
		err := v.ValidatePath(tt.path)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for path: %s", tt.path)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
	}
}

func TestValidateSymlink(t *testing.T) {
	v := NewValidator(1024, 1024, 10.0)

	tests := []struct {
		link      string
		target    string
		shouldErr bool
	}{
		{"usr/bin/sh", "bash", false},
		{"usr/bin/vi", "../lib/vim", false},
		{"bin", "usr/bin", false},
		{"etc/motd", "/run/motd", false},
		{"escape", "../../outside", true},
		{"dir/escape", "../../../outside", true},
	}

	for _, tt := range tests {
		err := v.ValidateSymlink(tt.link, tt.target)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for symlink %s -> %s", tt.link, tt.target)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for symlink %s -> %s: %v", tt.link, tt.target, err)
		}
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(100, 1000, 10.0)

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	if err := v.ValidateFileSize(150); err == nil {
		t.Error("expected error for size 150 exceeding limit 100")
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(1024, 10240, 10.0)

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}

	if err := v.ValidateCompressionRatio(0, 1000); err == nil {
		t.Error("expected error for zero compressed size")
	}
}

func TestAddExtractedSize_ExceedsTotal(t *testing.T) {
	v := NewValidator(1024, 500, 10.0)

	if err := v.AddExtractedSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := v.AddExtractedSize(200); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}
}

func TestReset(t *testing.T) {
	v := NewValidator(1024, 500, 10.0)

	v.AddExtractedSize(400)
	v.Reset()

	if v.CurrentTotalSize() != 0 {
		t.Errorf("expected 0 after reset, got %d", v.CurrentTotalSize())
	}
	if err := v.AddExtractedSize(400); err != nil {
		t.Errorf("unexpected error after reset: %v", err)
	}
}
