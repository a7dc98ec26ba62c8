package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jnaulty/livecd-tools/internal/config"
	"github.com/jnaulty/livecd-tools/pkg/db"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	"github.com/jnaulty/livecd-tools/pkg/storage"
)

var (
	listRemote bool
	listPrefix string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked images and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolVar(&listRemote, "remote", false, "List images in the S3 bucket instead of the local registry")
	listCmd.Flags().StringVar(&listPrefix, "prefix", "", "Key prefix filter for --remote")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if listRemote {
		return listRemoteImages(cfg)
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	runs, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No images found")
		return nil
	}

	fmt.Printf("%-40s %-12s %-14s %-14s %-30s\n", "IMAGE", "STATUS", "ORIG SIZE", "COW USED", "ARTIFACT")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, r := range runs {
		artifact := r.ArtifactPath
		if artifact == "" {
			artifact = "-"
		}

		fmt.Printf("%-40s %-12s %-14s %-14s %-30s\n",
			r.Image, r.Status, formatSize(r.OriginalSize), formatSize(r.CowUsed), artifact)
	}

	return nil
}

func listRemoteImages(cfg *config.Config) error {
	if cfg.S3Bucket == "" {
		return fmt.Errorf("--remote requires an S3 bucket (--s3-bucket or LIVECD_S3_BUCKET)")
	}

	ctx := context.Background()

	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "s3 init failed")
	}

	objects, err := client.ListObjects(ctx, listPrefix)
	if err != nil {
		return errors.Wrap(err, "s3 list failed")
	}

	if len(objects) == 0 {
		fmt.Println("No objects found")
		return nil
	}

	fmt.Printf("%-60s %-14s\n", "KEY", "SIZE")
	fmt.Println("--------------------------------------------------------------------------")

	for _, obj := range objects {
		fmt.Printf("%-60s %-14s\n", obj.Key, formatSize(obj.Size))
	}

	return nil
}

func formatSize(n int64) string {
	if n == 0 {
		return "-"
	}
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1fG", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1fM", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1fK", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%dB", n)
}
