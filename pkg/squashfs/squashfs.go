// Package squashfs compresses whole files into squashfs artifacts.
package squashfs

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/runner"
)

// Mksquashfs compresses inImg into outImg. Progress output is suppressed
// when stdout is not a terminal.
func Mksquashfs(ctx context.Context, run runner.Runner, inImg, outImg string) error {
	args := []string{inImg, outImg}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		args = append(args, "-no-progress")
	}

	if err := run.Run(ctx, "mksquashfs", args...); err != nil {
		return errors.NewSquashfsError("mksquashfs of %q failed: %v", inImg, err)
	}
	return nil
}
