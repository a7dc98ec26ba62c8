// Package errors provides error wrapping utilities and the error classes
// raised by the disk, mount and snapshot layers.
package errors

import "fmt"

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// MountError is returned when a mount, unmount, bind or loop device
// operation fails.
type MountError struct {
	message string
}

func (e *MountError) Error() string {
	return e.message
}

func (e *MountError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*MountError)
	return ok
}

// NewMountError returns a new MountError
func NewMountError(msg string, a ...interface{}) error {
	return &MountError{
		message: fmt.Sprintf(msg, a...),
	}
}

// SnapshotError is returned when a device-mapper snapshot cannot be
// created, removed or queried.
type SnapshotError struct {
	message string
}

func (e *SnapshotError) Error() string {
	return e.message
}

func (e *SnapshotError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*SnapshotError)
	return ok
}

// NewSnapshotError returns a new SnapshotError
func NewSnapshotError(msg string, a ...interface{}) error {
	return &SnapshotError{
		message: fmt.Sprintf(msg, a...),
	}
}

// SquashfsError is returned when compressing an image with mksquashfs fails.
type SquashfsError struct {
	message string
}

func (e *SquashfsError) Error() string {
	return e.message
}

func (e *SquashfsError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*SquashfsError)
	return ok
}

// NewSquashfsError returns a new SquashfsError
func NewSquashfsError(msg string, a ...interface{}) error {
	return &SquashfsError{
		message: fmt.Sprintf(msg, a...),
	}
}

// ConfigError is returned when a caller supplies conflicting or missing
// arguments. It indicates a programming error, not a tool failure.
type ConfigError struct {
	message string
}

func (e *ConfigError) Error() string {
	return e.message
}

func (e *ConfigError) Is(target error) bool {
	if target == nil {
		return false
	}
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError returns a new ConfigError
func NewConfigError(msg string, a ...interface{}) error {
	return &ConfigError{
		message: fmt.Sprintf(msg, a...),
	}
}
