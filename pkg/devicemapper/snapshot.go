// Package devicemapper builds copy-on-write snapshot block devices with
// dmsetup. A Snapshot overlays a COW loop disk on top of an origin image
// loop disk; writes land in the COW file while reads fall through to the
// unmodified origin. The snapshot owns both disks for its full lifetime.
package devicemapper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jnaulty/livecd-tools/pkg/disk"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
)

const (
	// SectorSize is the device-mapper sector size in bytes.
	SectorSize = 512
	// chunkSize is the snapshot chunk size in sectors.
	chunkSize = 8
)

// Namer generates device-mapper node names. Injected so tests can supply
// deterministic names.
type Namer func() string

// DefaultNamer names nodes after the process id plus a random suffix.
func DefaultNamer() string {
	return fmt.Sprintf("livecd-%d-%d", os.Getpid(), rand.Intn(1<<16))
}

// Snapshot is a device-mapper COW snapshot over two loop disks.
type Snapshot struct {
	run     runner.Runner
	imgloop disk.FileDisk
	cowloop disk.FileDisk
	namer   Namer

	name    string
	created bool
}

// New returns a Snapshot over the origin image disk and the COW disk.
// The snapshot owns both disks and cleans them up on Remove.
func New(run runner.Runner, imgloop, cowloop disk.FileDisk) *Snapshot {
	return &Snapshot{
		run:     run,
		imgloop: imgloop,
		cowloop: cowloop,
		namer:   DefaultNamer,
	}
}

// SetNamer replaces the node name generator.
func (s *Snapshot) SetNamer(namer Namer) {
	s.namer = namer
}

// Path returns the device-mapper node path, or "" before Create succeeds.
func (s *Snapshot) Path() string {
	if s.name == "" {
		return ""
	}
	return filepath.Join("/dev/mapper", s.name)
}

// Create binds both backing disks and creates the snapshot device. It is
// a no-op when the snapshot already exists. On failure both backing disks
// are cleaned up; no partial state survives.
func (s *Snapshot) Create(ctx context.Context) error {
	if s.created {
		return nil
	}

	if err := s.imgloop.Create(ctx); err != nil {
		s.cleanupDisks(ctx)
		return errors.NewSnapshotError("could not create snapshot origin device: %v", err)
	}
	if err := s.cowloop.Create(ctx); err != nil {
		s.cleanupDisks(ctx)
		return errors.NewSnapshotError("could not create snapshot COW device: %v", err)
	}

	name := s.namer()

	fi, err := os.Stat(s.imgloop.BackingFile())
	if err != nil {
		s.cleanupDisks(ctx)
		return errors.NewSnapshotError("could not stat origin image: %v", err)
	}

	table := fmt.Sprintf("0 %d snapshot %s %s p %d",
		fi.Size()/SectorSize, s.imgloop.Device(), s.cowloop.Device(), chunkSize)

	slog.Debug("dmsetup_create", "name", name, "table", table)
	if err := s.run.Run(ctx, "dmsetup", "create", name, "--table", table); err != nil {
		s.cleanupDisks(ctx)
		return errors.NewSnapshotError("could not create snapshot device using: dmsetup create %s --table %q: %v", name, table, err)
	}

	s.name = name
	s.created = true
	return nil
}

// Remove removes the snapshot device and cleans up both backing disks.
// It is a no-op when the snapshot was never created. When ignoreErrors is
// set, a failed removal is logged and suppressed; the backing disks are
// cleaned up either way.
func (s *Snapshot) Remove(ctx context.Context, ignoreErrors bool) error {
	if !s.created {
		return nil
	}

	removeErr := s.run.Run(ctx, "dmsetup", "remove", s.name)
	if removeErr != nil {
		slog.Warn("dmsetup_remove_failed", "name", s.name, "error", removeErr, "ignored", ignoreErrors)
	}

	s.name = ""
	s.created = false
	s.cleanupDisks(ctx)

	if removeErr != nil && !ignoreErrors {
		return errors.NewSnapshotError("could not remove snapshot device: %v", removeErr)
	}
	return nil
}

// CowUsed returns the number of COW bytes the snapshot has consumed, or 0
// when the snapshot was never created.
//
// dmsetup status on a snapshot returns e.g.
//
//	0 8388608 snapshot 416/1048576
//
// where the fourth field is used/total in 512 byte sectors.
func (s *Snapshot) CowUsed(ctx context.Context) (int64, error) {
	if !s.created {
		return 0, nil
	}

	out, err := s.run.Output(ctx, "dmsetup", "status", s.name)
	if err != nil {
		return 0, errors.NewSnapshotError("could not query snapshot status: %v", err)
	}

	fields := strings.Fields(out)
	if len(fields) < 4 {
		return 0, errors.NewSnapshotError("failed to parse dmsetup status: %q", out)
	}

	used, _, ok := strings.Cut(fields[3], "/")
	if !ok {
		return 0, errors.NewSnapshotError("failed to parse dmsetup status: %q", out)
	}

	sectors, err := strconv.ParseInt(used, 10, 64)
	if err != nil {
		return 0, errors.NewSnapshotError("failed to parse dmsetup status: %q", out)
	}
	return sectors * SectorSize, nil
}

func (s *Snapshot) cleanupDisks(ctx context.Context) {
	if err := s.cowloop.Cleanup(ctx); err != nil {
		slog.Warn("cow_disk_cleanup_failed", "file", s.cowloop.BackingFile(), "error", err)
	}
	if err := s.imgloop.Cleanup(ctx); err != nil {
		slog.Warn("origin_disk_cleanup_failed", "file", s.imgloop.BackingFile(), "error", err)
	}
}
