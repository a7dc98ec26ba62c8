package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jnaulty/livecd-tools/internal/config"
	"github.com/jnaulty/livecd-tools/pkg/db"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/minimizer"
	"github.com/jnaulty/livecd-tools/pkg/runner"
)

var (
	cleanupAll      bool
	cleanupImage    string
	cleanupOrphaned bool
	cleanupPurge    bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up image resources (artifacts, downloads, snapshot devices)",
	Long: `Clean up resources associated with minimization runs:
  --all            Clean all resources for all tracked images
  --image <name>   Clean resources for a specific image
  --orphaned       Clean leftover downloads and stale snapshot devices`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all resources")
	cleanupCmd.Flags().StringVar(&cleanupImage, "image", "", "Clean a specific image")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned resources")
	cleanupCmd.Flags().BoolVar(&cleanupPurge, "purge", false, "Delete registry records instead of marking them cleaned")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	ctx := context.Background()

	if cleanupAll {
		return cleanupAllRuns(ctx, repo, cfg)
	} else if cleanupImage != "" {
		return cleanupSpecificRun(ctx, repo, cfg, cleanupImage)
	} else if cleanupOrphaned {
		return cleanupOrphanedResources(ctx, repo, cfg)
	}
	return fmt.Errorf("must specify --all, --image, or --orphaned")
}

func cleanupAllRuns(ctx context.Context, repo *db.Repository, cfg *config.Config) error {
	runs, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("Cleaning up %d runs...\n", len(runs))

	for _, r := range runs {
		if err := cleanupRunResources(ctx, repo, cfg, r); err != nil {
			fmt.Printf("failed to clean %s: %v\n", r.Image, err)
		} else {
			fmt.Printf("cleaned: %s\n", r.Image)
		}
	}

	return nil
}

func cleanupSpecificRun(ctx context.Context, repo *db.Repository, cfg *config.Config, image string) error {
	r, err := repo.GetByImage(image)
	if err != nil {
		return errors.Wrap(err, "db lookup failed")
	}
	if r == nil {
		return fmt.Errorf("image not found: %s", image)
	}

	if err := cleanupRunResources(ctx, repo, cfg, r); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("cleaned: %s\n", image)
	return nil
}

func cleanupRunResources(ctx context.Context, repo *db.Repository, cfg *config.Config, r *db.Run) error {
	// 1. Remove the squashfs artifact and any leftover COW file next to it
	if r.ArtifactPath != "" {
		if err := removeIfExists(r.ArtifactPath); err != nil {
			return errors.Wrap(err, "failed to remove artifact")
		}
		cowPath := filepath.Join(filepath.Dir(r.ArtifactPath), minimizer.CowFileName)
		if err := removeIfExists(cowPath); err != nil {
			return errors.Wrap(err, "failed to remove cow file")
		}
	}

	// 2. Remove the downloaded image
	downloadPath := filepath.Join(cfg.WorkDir, "downloads", filepath.Base(r.Image))
	if err := removeIfExists(downloadPath); err != nil {
		return errors.Wrap(err, "failed to remove download")
	}

	// 3. Update or drop the registry record
	if cleanupPurge {
		if err := repo.Delete(r.ID); err != nil {
			return errors.Wrap(err, "failed to delete record")
		}
		return nil
	}
	if err := repo.UpdateStatus(r.ID, db.StatusCleaned, ""); err != nil {
		return errors.Wrap(err, "failed to update database")
	}

	return nil
}

func cleanupOrphanedResources(ctx context.Context, repo *db.Repository, cfg *config.Config) error {
	fmt.Println("Scanning for orphaned resources...")

	orphanCount := 0

	// 1. Downloads with no tracked run
	downloadDir := filepath.Join(cfg.WorkDir, "downloads")
	if entries, err := os.ReadDir(downloadDir); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}

			r, err := trackedByBase(repo, entry.Name())
			if err != nil {
				return err
			}
			if r != nil {
				continue
			}

			orphanPath := filepath.Join(downloadDir, entry.Name())
			if err := os.Remove(orphanPath); err != nil {
				fmt.Printf("failed to remove orphaned download %s: %v\n", entry.Name(), err)
			} else {
				fmt.Printf("removed orphaned download: %s\n", entry.Name())
				orphanCount++
			}
		}
	}

	// 2. Stale snapshot devices left behind by killed runs
	run := runner.New()
	if entries, err := os.ReadDir("/dev/mapper"); err == nil {
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), "livecd-") {
				continue
			}

			if err := run.Run(ctx, "dmsetup", "remove", entry.Name()); err != nil {
				fmt.Printf("failed to remove snapshot device %s: %v\n", entry.Name(), err)
			} else {
				fmt.Printf("removed snapshot device: %s\n", entry.Name())
				orphanCount++
			}
		}
	}

	fmt.Printf("removed %d orphaned resources\n", orphanCount)
	return nil
}

// trackedByBase matches a download file name against tracked run images,
// which may be S3 keys or local paths.
func trackedByBase(repo *db.Repository, name string) (*db.Run, error) {
	runs, err := repo.List()
	if err != nil {
		return nil, errors.Wrap(err, "list failed")
	}
	for _, r := range runs {
		if filepath.Base(r.Image) == name {
			return r, nil
		}
	}
	return nil, nil
}

func removeIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return os.Remove(path)
}
