package mount

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/jnaulty/livecd-tools/pkg/disk"
	"github.com/jnaulty/livecd-tools/pkg/e2fs"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
)

// ExtDiskMount is a DiskMount that formats or resizes an ext-family
// filesystem on a sparse disk before mounting it. A disk that already
// exists on disk and is not fixed hardware is resized to the declared
// target size; anything else is formatted from scratch.
type ExtDiskMount struct {
	DiskMount
	sparse    disk.SparseDisk
	blocksize int64
	label     string
}

// NewExtDiskMount mounts d at mountdir with an ext-family filesystem of
// the given type, block size and label.
func NewExtDiskMount(run runner.Runner, d disk.SparseDisk, mountdir, fstype string, blocksize int64, label string, rmmountdir bool) *ExtDiskMount {
	return &ExtDiskMount{
		DiskMount: DiskMount{
			run:        run,
			disk:       d,
			mountdir:   mountdir,
			fstype:     fstype,
			rmmountdir: rmmountdir,
		},
		sparse:    d,
		blocksize: blocksize,
		label:     label,
	}
}

func (m *ExtDiskMount) formatFilesystem(ctx context.Context) error {
	slog.Debug("formatting_filesystem", "fstype", m.fstype, "device", m.sparse.Device())

	err := m.run.Run(ctx, "mkfs."+m.fstype,
		"-F", "-L", m.label,
		"-m", "1", "-b", strconv.FormatInt(m.blocksize, 10),
		m.sparse.Device())
	if err != nil {
		return errors.NewMountError("error creating %s filesystem: %v", m.fstype, err)
	}

	slog.Debug("tuning_filesystem", "device", m.sparse.Device())
	if err := m.run.Run(ctx, "tune2fs", "-c0", "-i0", "-Odir_index", "-ouser_xattr,acl", m.sparse.Device()); err != nil {
		slog.Warn("tune2fs_failed", "device", m.sparse.Device(), "error", err)
	}
	return nil
}

// resizeFilesystem resizes the filesystem on the backing file to size
// bytes, growing the sparse file first when needed. A zero size means the
// disk's declared size. The filesystem must be unmounted.
func (m *ExtDiskMount) resizeFilesystem(ctx context.Context, size int64) error {
	fi, err := os.Stat(m.sparse.BackingFile())
	if err != nil {
		return errors.Wrap(err, "stating backing file")
	}
	current := fi.Size()

	if size == 0 {
		size = m.sparse.Size()
	}
	if size == current {
		return nil
	}
	if size > current {
		if err := m.sparse.Expand(size); err != nil {
			return err
		}
	}

	return e2fs.Resize(ctx, m.run, m.sparse.BackingFile(), size, false)
}

func (m *ExtDiskMount) create(ctx context.Context) error {
	resize := !m.sparse.Fixed() && m.sparse.Exists()

	if err := m.sparse.Create(ctx); err != nil {
		return err
	}

	if resize {
		return m.resizeFilesystem(ctx, 0)
	}
	return m.formatFilesystem(ctx)
}

// Mount formats or resizes the filesystem, then mounts it.
func (m *ExtDiskMount) Mount(ctx context.Context) error {
	if m.mounted {
		return nil
	}
	if err := m.create(ctx); err != nil {
		return err
	}
	return m.DiskMount.Mount(ctx)
}

// Fsck runs a forced filesystem check against the backing file and
// returns the e2fsck status code.
func (m *ExtDiskMount) Fsck(ctx context.Context) (int, error) {
	return e2fs.Fsck(ctx, m.run, m.sparse.BackingFile())
}

// sizeFromFilesystem reads the filesystem's own block count from its
// superblock.
func (m *ExtDiskMount) sizeFromFilesystem(ctx context.Context) (int64, error) {
	blocks, err := e2fs.BlockCount(ctx, m.run, m.sparse.BackingFile())
	if err != nil {
		return 0, err
	}
	return blocks * m.blocksize, nil
}

func (m *ExtDiskMount) resizeToMinimal(ctx context.Context) (int64, error) {
	if err := e2fs.Resize(ctx, m.run, m.sparse.BackingFile(), 0, true); err != nil {
		return 0, err
	}
	return m.sizeFromFilesystem(ctx)
}

// Resparse shrinks the filesystem and its backing file to the minimal
// footprint, then resizes the filesystem back up to size bytes. A zero
// size leaves the filesystem at minimal. Returns the minimal size.
func (m *ExtDiskMount) Resparse(ctx context.Context, size int64) (int64, error) {
	if err := m.Cleanup(ctx); err != nil {
		return 0, err
	}

	minimal, err := m.resizeToMinimal(ctx)
	if err != nil {
		return 0, err
	}

	if err := m.sparse.Truncate(minimal); err != nil {
		return 0, err
	}

	if size > 0 {
		if err := m.resizeFilesystem(ctx, size); err != nil {
			return 0, err
		}
	}
	return minimal, nil
}
