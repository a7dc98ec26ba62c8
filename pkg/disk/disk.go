// Package disk models block-device-capable backing stores: fixed hardware
// devices, loopback files and sparse loopback files. A Disk's Create method
// makes it visible as a block device (for loopback disks, by calling
// losetup); Cleanup undoes Create. Both are idempotent: repeated calls are
// no-ops once the disk is in the target state.
package disk

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
)

// Disk is the capability shared by all backing stores.
type Disk interface {
	// Create establishes (or reuses) the device binding.
	Create(ctx context.Context) error
	// Cleanup releases the device binding if one exists.
	Cleanup(ctx context.Context) error
	// Exists reports whether the backing file or device is present.
	Exists() bool
	// Fixed reports whether the device is pre-existing hardware that this
	// system never creates or destroys.
	Fixed() bool
	// Device returns the bound device path, or "" before Create succeeds.
	Device() string
	// Size returns the declared size in bytes, 0 when unset.
	Size() int64
}

// FileDisk is a Disk backed by a regular file.
type FileDisk interface {
	Disk
	// BackingFile returns the path of the file backing the device.
	BackingFile() string
}

// SparseDisk is a FileDisk whose backing file can be grown and shrunk
// independently of the device binding.
type SparseDisk interface {
	FileDisk
	// Expand grows the backing file to size bytes by sparse extension.
	Expand(size int64) error
	// Truncate shrinks the backing file to exactly size bytes.
	Truncate(size int64) error
}

// RawDisk is a Disk backed by a real block device. Create and Cleanup are
// no-ops.
type RawDisk struct {
	device string
	size   int64
}

// NewRawDisk returns a Disk for a pre-existing block device.
func NewRawDisk(device string, size int64) *RawDisk {
	return &RawDisk{device: device, size: size}
}

func (d *RawDisk) Create(ctx context.Context) error  { return nil }
func (d *RawDisk) Cleanup(ctx context.Context) error { return nil }
func (d *RawDisk) Exists() bool                      { return true }
func (d *RawDisk) Fixed() bool                       { return true }
func (d *RawDisk) Device() string                    { return d.device }
func (d *RawDisk) Size() int64                       { return d.size }

// LoopbackDisk is a Disk backed by a file via the loop module.
type LoopbackDisk struct {
	run    runner.Runner
	lofile string
	size   int64
	device string
}

// NewLoopbackDisk returns a Disk backed by lofile. size may be 0 when the
// caller never formats or resizes through it.
func NewLoopbackDisk(run runner.Runner, lofile string, size int64) *LoopbackDisk {
	return &LoopbackDisk{run: run, lofile: lofile, size: size}
}

func (d *LoopbackDisk) Fixed() bool { return false }

func (d *LoopbackDisk) Exists() bool {
	_, err := os.Stat(d.lofile)
	return err == nil
}

func (d *LoopbackDisk) Device() string      { return d.device }
func (d *LoopbackDisk) Size() int64         { return d.size }
func (d *LoopbackDisk) BackingFile() string { return d.lofile }

// Create finds a free loop device and binds the backing file to it. It is
// a no-op when the disk is already bound. On failure no partial binding is
// left behind.
func (d *LoopbackDisk) Create(ctx context.Context) error {
	if d.device != "" {
		return nil
	}

	out, err := d.run.Output(ctx, "losetup", "-f")
	if err != nil {
		return errors.NewMountError("failed to allocate loop device for %q: %v", d.lofile, err)
	}

	fields := strings.Fields(out)
	if len(fields) == 0 {
		return errors.NewMountError("failed to allocate loop device for %q: empty losetup output", d.lofile)
	}
	device := fields[0]

	slog.Debug("losetup_bind", "device", device, "file", d.lofile)
	if err := d.run.Run(ctx, "losetup", device, d.lofile); err != nil {
		return errors.NewMountError("failed to allocate loop device for %q: %v", d.lofile, err)
	}

	d.device = device
	return nil
}

// Cleanup detaches the loop device if one is bound.
func (d *LoopbackDisk) Cleanup(ctx context.Context) error {
	if d.device == "" {
		return nil
	}

	slog.Debug("losetup_detach", "device", d.device)
	if err := d.run.Run(ctx, "losetup", "-d", d.device); err != nil {
		return errors.NewMountError("failed to detach loop device %q: %v", d.device, err)
	}

	d.device = ""
	return nil
}

// SparseLoopbackDisk is a Disk backed by a sparse file via the loop module.
type SparseLoopbackDisk struct {
	LoopbackDisk
}

// NewSparseLoopbackDisk returns a Disk whose backing file is created
// sparsely at size bytes on Create.
func NewSparseLoopbackDisk(run runner.Runner, lofile string, size int64) *SparseLoopbackDisk {
	return &SparseLoopbackDisk{
		LoopbackDisk: LoopbackDisk{run: run, lofile: lofile, size: size},
	}
}

// Create expands the backing file to the declared size, then performs the
// normal loopback binding.
func (d *SparseLoopbackDisk) Create(ctx context.Context) error {
	if d.device != "" {
		return nil
	}
	if err := d.expand(true, d.size); err != nil {
		return err
	}
	return d.LoopbackDisk.Create(ctx)
}

// Expand grows the backing file to size bytes by writing a single byte at
// the final offset. Unwritten ranges stay unallocated.
func (d *SparseLoopbackDisk) Expand(size int64) error {
	return d.expand(false, size)
}

func (d *SparseLoopbackDisk) expand(create bool, size int64) error {
	flags := os.O_WRONLY
	if create {
		flags |= os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(d.lofile), 0755); err != nil {
			return errors.Wrap(err, "creating parent directory")
		}
	}

	if size == 0 {
		size = d.size
	}

	slog.Debug("sparse_expand", "file", d.lofile, "size", size)

	f, err := os.OpenFile(d.lofile, flags, 0644)
	if err != nil {
		return errors.Wrap(err, "opening sparse file")
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte{0}, size-1); err != nil {
		return errors.Wrap(err, "extending sparse file")
	}
	return nil
}

// Truncate shrinks the backing file to exactly size bytes. A zero size
// empties the file.
func (d *SparseLoopbackDisk) Truncate(size int64) error {
	slog.Debug("sparse_truncate", "file", d.lofile, "size", size)
	if err := os.Truncate(d.lofile, size); err != nil {
		return errors.Wrap(err, "truncating sparse file")
	}
	return nil
}
