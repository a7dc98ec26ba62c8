package commands

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jnaulty/livecd-tools/internal/config"
	"github.com/jnaulty/livecd-tools/pkg/db"
	"github.com/jnaulty/livecd-tools/pkg/disk"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/image"
	"github.com/jnaulty/livecd-tools/pkg/mount"
	"github.com/jnaulty/livecd-tools/pkg/runner"
	"github.com/jnaulty/livecd-tools/pkg/security"
)

var (
	buildOutput string
	buildSize   int64
	buildBinds  []string
)

var buildCmd = &cobra.Command{
	Use:   "build <root-tarball>",
	Short: "Build a sparse ext filesystem image from a root tarball",
	Long: `Creates a sparse loopback image of the requested size, formats it,
extracts the root tarball into it, then shrinks the image to its minimal
footprint. Host directories can be bound into the tree during population
with --bind SRC[:DEST].`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().StringVarP(&buildOutput, "output", "o", "rootfs.img", "Output image path")
	buildCmd.Flags().Int64Var(&buildSize, "size", 4*1024*1024*1024, "Initial image size in bytes")
	buildCmd.Flags().StringArrayVar(&buildBinds, "bind", nil, "Bind a host directory into the tree during population (SRC[:DEST])")
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	tarball := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", cfg.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	validator := security.NewValidator(cfg.MaxImageSize, cfg.MaxExtractSize, cfg.MaxCompressionRatio)

	run := &db.Run{Image: tarball, Status: db.StatusPending}
	if existing, err := repo.GetByImage(tarball); err != nil {
		return errors.Wrap(err, "db lookup failed")
	} else if existing != nil {
		run = existing
	} else if err := repo.Create(run); err != nil {
		return errors.Wrap(err, "db create failed")
	}

	minimal, err := buildImage(ctx, cfg, validator, tarball, buildOutput, buildSize, buildBinds)
	if err != nil {
		repo.UpdateStatus(run.ID, db.StatusFailed, err.Error())
		return err
	}

	run.Status = db.StatusReady
	run.ArtifactPath = buildOutput
	run.OriginalSize = buildSize
	run.MinimalSize = minimal
	if err := repo.Update(run); err != nil {
		return errors.Wrap(err, "db update failed")
	}

	slog.Info("build_complete", "tarball", tarball, "image", buildOutput, "minimal_size", minimal)
	return nil
}

// buildImage creates, populates and shrinks the image. The ext mount owns
// the loop binding; every exit path releases it through Cleanup.
func buildImage(ctx context.Context, cfg *config.Config, validator *security.Validator, tarball, output string, size int64, binds []string) (int64, error) {
	run := runner.New()

	sparse := disk.NewSparseLoopbackDisk(run, output, size)
	mountdir := filepath.Join(cfg.WorkDir, "mounts", filepath.Base(output))
	extMount := mount.NewExtDiskMount(run, sparse, mountdir, cfg.FSType, cfg.BlockSize, cfg.FSLabel, true)

	if err := extMount.Mount(ctx); err != nil {
		return 0, err
	}

	populateErr := populate(ctx, run, validator, tarball, mountdir, binds)

	if err := extMount.Cleanup(ctx); err != nil && populateErr == nil {
		return 0, err
	}
	if populateErr != nil {
		return 0, populateErr
	}

	return extMount.Resparse(ctx, 0)
}

func populate(ctx context.Context, run runner.Runner, validator *security.Validator, tarball, mountdir string, binds []string) error {
	var mounted []*mount.BindMount
	defer func() {
		// Unbind in reverse order; a failed unbind must not hide the
		// population error, so it is only logged.
		for i := len(mounted) - 1; i >= 0; i-- {
			if err := mounted[i].Unmount(ctx); err != nil {
				slog.Warn("bind_unmount_failed", "error", err)
			}
		}
	}()

	for _, spec := range binds {
		src, dest, ok := strings.Cut(spec, ":")
		if !ok {
			dest = src
		}
		if src == "" {
			return fmt.Errorf("invalid --bind spec %q", spec)
		}

		bind := mount.NewBindMount(run, src, mountdir, dest)
		if err := bind.Mount(ctx); err != nil {
			return err
		}
		mounted = append(mounted, bind)
	}

	return image.ExtractTarball(tarball, mountdir, validator)
}
