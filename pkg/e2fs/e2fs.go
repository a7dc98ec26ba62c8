// Package e2fs wraps the e2fsprogs tools (resize2fs, e2fsck, e2image,
// dumpe2fs) used to check, resize and inspect ext-family filesystems.
package e2fs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
)

// Fsck runs a forced repair pass on fs and returns the e2fsck status code.
// A nonzero status is reported to the caller, not raised.
func Fsck(ctx context.Context, run runner.Runner, fs string) (int, error) {
	slog.Debug("fsck", "fs", fs)
	return run.Status(ctx, "e2fsck", "-f", "-y", fs)
}

// Resize resizes the filesystem on fs. Exactly one of size (bytes) and
// minimal must be set; passing both or neither is a caller error and no
// external command is invoked. The filesystem must be unmounted.
//
// Before resizing, a repair pass runs and a recovery image is saved with
// e2image. For a non-minimal resize a post-resize check failure is fatal
// and the error references the saved image for offline debugging; the
// saved image is deleted only on full success.
func Resize(ctx context.Context, run runner.Runner, fs string, size int64, minimal bool) error {
	if minimal && size != 0 {
		return errors.NewConfigError("can't specify both minimal and a size for resize")
	}
	if !minimal && size == 0 {
		return errors.NewConfigError("must specify either a size or minimal for resize")
	}

	if _, err := Fsck(ctx, run, fs); err != nil {
		return err
	}

	saved, err := os.CreateTemp("", "resize-image-")
	if err != nil {
		return errors.Wrap(err, "creating recovery image file")
	}
	savedImage := saved.Name()
	saved.Close()

	if err := run.Run(ctx, "e2image", "-r", fs, savedImage); err != nil {
		return errors.Wrap(err, "saving recovery image")
	}

	args := []string{fs}
	if minimal {
		args = append(args, "-M")
	} else {
		args = append(args, fmt.Sprintf("%dK", size/1024))
	}

	slog.Debug("resize2fs", "fs", fs, "size", size, "minimal", minimal)
	if err := run.Run(ctx, "resize2fs", args...); err != nil {
		return err
	}

	if !minimal {
		rc, err := Fsck(ctx, run, fs)
		if err != nil {
			return err
		}
		if rc != 0 {
			return fmt.Errorf("fsck after resize returned an error, image to debug at %s", savedImage)
		}
	}

	os.Remove(savedImage)
	return nil
}

// BlockCount parses the "Block count:" field of dumpe2fs -h output for fs.
func BlockCount(ctx context.Context, run runner.Runner, fs string) (int64, error) {
	out, err := run.Output(ctx, "dumpe2fs", "-h", fs)
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "Block count:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(line, "Block count:"))
		count, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, errors.Wrap(err, "parsing block count")
		}
		return count, nil
	}

	return 0, fmt.Errorf("failed to find field \"Block count\" in dumpe2fs output for %s", fs)
}
