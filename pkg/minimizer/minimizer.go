// Package minimizer materializes the smallest possible copy of a
// filesystem image. It builds a device-mapper snapshot of the image over a
// sparse COW file, resizes the snapshot's filesystem down to the minimal
// target size, and packages only the COW bytes actually written into a
// compressed artifact.
package minimizer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jnaulty/livecd-tools/pkg/devicemapper"
	"github.com/jnaulty/livecd-tools/pkg/disk"
	"github.com/jnaulty/livecd-tools/pkg/e2fs"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
	"github.com/jnaulty/livecd-tools/pkg/squashfs"
)

// CowSize is the capacity of the temporary COW file.
const CowSize = 64 * 1024 * 1024

// CowFileName is the name of the temporary COW file, created alongside
// the output artifact.
const CowFileName = "osmin"

// CreateImageMinimizer builds a squashfs-compressed COW overlay at path
// from which a device-mapper snapshot of image can be reconstructed with
// the image's filesystem resized to minimalSize bytes. Returns the number
// of COW bytes used.
//
// The snapshot is removed on every exit path. If the resize or
// measurement step fails, removal errors are suppressed so the original
// failure is what the caller sees; otherwise removal failures propagate.
func CreateImageMinimizer(ctx context.Context, run runner.Runner, path, image string, minimalSize int64) (int64, error) {
	// Size is irrelevant for the origin: it is never formatted or resized
	// through this disk.
	imgloop := disk.NewLoopbackDisk(run, image, 0)

	cowPath := filepath.Join(filepath.Dir(path), CowFileName)
	cowloop := disk.NewSparseLoopbackDisk(run, cowPath, CowSize)

	snapshot := devicemapper.New(run, imgloop, cowloop)

	if err := snapshot.Create(ctx); err != nil {
		return 0, err
	}

	cowUsed, resizeErr := resizeAndMeasure(ctx, run, snapshot, minimalSize)

	removeErr := snapshot.Remove(ctx, resizeErr != nil)
	if resizeErr != nil {
		return 0, resizeErr
	}
	if removeErr != nil {
		return 0, removeErr
	}

	slog.Info("minimizer_cow_measured", "image", image, "cow_used", cowUsed)

	if err := cowloop.Truncate(cowUsed); err != nil {
		return 0, err
	}

	if err := squashfs.Mksquashfs(ctx, run, cowPath, path); err != nil {
		return 0, err
	}

	if err := os.Remove(cowPath); err != nil {
		return 0, errors.Wrap(err, "removing temporary COW file")
	}

	return cowUsed, nil
}

func resizeAndMeasure(ctx context.Context, run runner.Runner, snapshot *devicemapper.Snapshot, minimalSize int64) (int64, error) {
	if err := e2fs.Resize(ctx, run, snapshot.Path(), minimalSize, false); err != nil {
		return 0, err
	}
	return snapshot.CowUsed(ctx)
}
