// Package mount models mount points bound to disks: plain disk mounts,
// ext-aware disk mounts that format or resize their filesystem, and bind
// mounts used when assembling chroot trees. Mount and Unmount are
// idempotent; Cleanup always implies Unmount.
package mount

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jnaulty/livecd-tools/pkg/disk"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
)

// Mount is the capability shared by all mount variants.
type Mount interface {
	Mount(ctx context.Context) error
	Unmount(ctx context.Context) error
	// Cleanup unmounts and releases any resources the mount owns.
	Cleanup(ctx context.Context) error
}

// BindMount binds a source directory into a destination inside a root
// tree. It does not own the source directory's lifecycle.
type BindMount struct {
	run     runner.Runner
	src     string
	dest    string
	mounted bool
}

// NewBindMount binds src to root/dest. An empty dest defaults to src's
// own path inside root.
func NewBindMount(run runner.Runner, src, root, dest string) *BindMount {
	if dest == "" {
		dest = src
	}
	return &BindMount{
		run:  run,
		src:  src,
		dest: filepath.Join(root, dest),
	}
}

func (b *BindMount) Mount(ctx context.Context) error {
	if b.mounted {
		return nil
	}

	if err := os.MkdirAll(b.dest, 0755); err != nil {
		return errors.Wrap(err, "creating bind mount point")
	}

	if err := b.run.Run(ctx, "mount", "--bind", b.src, b.dest); err != nil {
		return errors.NewMountError("bind-mounting %q to %q failed: %v", b.src, b.dest, err)
	}
	b.mounted = true
	return nil
}

func (b *BindMount) Unmount(ctx context.Context) error {
	if !b.mounted {
		return nil
	}

	if err := b.run.Run(ctx, "umount", b.dest); err != nil {
		return errors.NewMountError("unable to unmount filesystem at %q: %v", b.dest, err)
	}
	b.mounted = false
	return nil
}

func (b *BindMount) Cleanup(ctx context.Context) error {
	return b.Unmount(ctx)
}

// DiskMount mounts a Disk at a mount point, creating the mount point
// directory when needed and removing it again on unmount if it did.
type DiskMount struct {
	run        runner.Runner
	disk       disk.Disk
	mountdir   string
	fstype     string
	rmmountdir bool

	mounted bool
	rmdir   bool
}

// NewDiskMount mounts d at mountdir. fstype may be empty to let mount
// autodetect. When rmmountdir is set and this mount creates the mount
// point directory, the directory is removed on unmount.
func NewDiskMount(run runner.Runner, d disk.Disk, mountdir, fstype string, rmmountdir bool) *DiskMount {
	return &DiskMount{
		run:        run,
		disk:       d,
		mountdir:   mountdir,
		fstype:     fstype,
		rmmountdir: rmmountdir,
	}
}

// Disk returns the backing disk.
func (m *DiskMount) Disk() disk.Disk { return m.disk }

// Mountdir returns the mount point path.
func (m *DiskMount) Mountdir() string { return m.mountdir }

func (m *DiskMount) Mount(ctx context.Context) error {
	if m.mounted {
		return nil
	}

	if fi, err := os.Stat(m.mountdir); err != nil || !fi.IsDir() {
		slog.Debug("creating_mount_point", "path", m.mountdir)
		if err := os.MkdirAll(m.mountdir, 0755); err != nil {
			return errors.Wrap(err, "creating mount point")
		}
		m.rmdir = m.rmmountdir
	}

	if err := m.disk.Create(ctx); err != nil {
		return err
	}

	slog.Debug("mounting_disk", "device", m.disk.Device(), "path", m.mountdir)
	args := []string{m.disk.Device(), m.mountdir}
	if m.fstype != "" {
		args = append(args, "-t", m.fstype)
	}
	if err := m.run.Run(ctx, "mount", args...); err != nil {
		return errors.NewMountError("failed to mount %q to %q: %v", m.disk.Device(), m.mountdir, err)
	}

	m.mounted = true
	return nil
}

func (m *DiskMount) Unmount(ctx context.Context) error {
	if m.mounted {
		slog.Debug("unmounting_directory", "path", m.mountdir)
		if err := m.run.Run(ctx, "umount", m.mountdir); err != nil {
			return errors.NewMountError("unable to unmount filesystem at %q: %v", m.mountdir, err)
		}
		m.mounted = false
	}

	if m.rmdir && !m.mounted {
		// A non-empty or already-removed directory is not an error here.
		if err := os.Remove(m.mountdir); err != nil {
			slog.Debug("mount_point_removal_skipped", "path", m.mountdir, "error", err)
		}
		m.rmdir = false
	}
	return nil
}

func (m *DiskMount) Cleanup(ctx context.Context) error {
	if err := m.Unmount(ctx); err != nil {
		return err
	}
	return m.disk.Cleanup(ctx)
}
