package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/jnaulty/livecd-tools/internal/config"
	"github.com/jnaulty/livecd-tools/pkg/db"
	"github.com/jnaulty/livecd-tools/pkg/errors"
	appfsm "github.com/jnaulty/livecd-tools/pkg/fsm"
	"github.com/jnaulty/livecd-tools/pkg/runner"
	"github.com/jnaulty/livecd-tools/pkg/security"
	"github.com/jnaulty/livecd-tools/pkg/storage"
)

var (
	minimizeOutput     string
	minimizeSize       int64
	minimizeFromS3     bool
	minimizePublishKey string
)

var minimizeCmd = &cobra.Command{
	Use:   "minimize <image>",
	Short: "Minimize a filesystem image into a compressed COW artifact",
	Long: `Builds a device-mapper snapshot of the image over a sparse COW file,
resizes the snapshot's filesystem down to the target size, and compresses
the COW bytes actually used into the output artifact. The image argument
is a local path, or a bucket key with --from-s3.`,
	Args: cobra.ExactArgs(1),
	RunE: runMinimize,
}

func init() {
	rootCmd.AddCommand(minimizeCmd)
	minimizeCmd.Flags().StringVarP(&minimizeOutput, "output", "o", "osmin.img", "Output artifact path")
	minimizeCmd.Flags().Int64Var(&minimizeSize, "size", 0, "Minimal target filesystem size in bytes (required)")
	minimizeCmd.Flags().BoolVar(&minimizeFromS3, "from-s3", false, "Fetch the image from the configured bucket")
	minimizeCmd.Flags().StringVar(&minimizePublishKey, "publish", "", "Upload the artifact to the bucket under this key")
	minimizeCmd.MarkFlagRequired("size")
}

func runMinimize(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	image := args[0]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	var s3Client *storage.Client
	if cfg.S3Bucket != "" {
		s3Client, err = storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
	}

	validator := security.NewValidator(cfg.MaxImageSize, cfg.MaxExtractSize, cfg.MaxCompressionRatio)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := appfsm.NewMachine(repo, s3Client, validator, runner.New(), cfg.WorkDir, cfg.FSMMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	req := &appfsm.MinimizeRequest{
		Image:       image,
		FromS3:      minimizeFromS3,
		OutputPath:  minimizeOutput,
		MinimalSize: minimizeSize,
		PublishKey:  minimizePublishKey,
	}
	resp := &appfsm.MinimizeResponse{}

	version, err := start(ctx, image, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "FSM start failed")
	}

	slog.Info("fsm started", "version", version)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "FSM execution failed")
	}

	slog.Info("minimize completed",
		"status", resp.Status,
		"artifact", resp.ArtifactPath,
		"cow_used", resp.CowUsed,
		"artifact_size", resp.ArtifactSize,
	)

	return nil
}
