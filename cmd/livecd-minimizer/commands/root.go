package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "livecd-minimizer",
	Short: "Build and minimize block-device-backed filesystem images",
	Long: `Builds sparse ext filesystem images from root tarballs and minimizes
existing images via device-mapper copy-on-write snapshots.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/runs.db", "SQLite run registry path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket for fetching images and publishing artifacts")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("work-dir", "/var/tmp/livecd-tools", "Working directory")
	rootCmd.PersistentFlags().String("fs-type", "ext4", "Filesystem type for built images")
	rootCmd.PersistentFlags().String("fs-label", "LiveOS", "Filesystem label for built images")
	rootCmd.PersistentFlags().Int64("block-size", 4096, "Filesystem block size in bytes")
	rootCmd.PersistentFlags().Int64("max-image-size", 8*1024*1024*1024, "Max source image size in bytes")
	rootCmd.PersistentFlags().Int64("max-extract-size", 20*1024*1024*1024, "Max total extraction size")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 100.0, "Max tarball compression ratio")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("fs-type", rootCmd.PersistentFlags().Lookup("fs-type"))
	viper.BindPFlag("fs-label", rootCmd.PersistentFlags().Lookup("fs-label"))
	viper.BindPFlag("block-size", rootCmd.PersistentFlags().Lookup("block-size"))
	viper.BindPFlag("max-image-size", rootCmd.PersistentFlags().Lookup("max-image-size"))
	viper.BindPFlag("max-extract-size", rootCmd.PersistentFlags().Lookup("max-extract-size"))
	viper.BindPFlag("max-compression-ratio", rootCmd.PersistentFlags().Lookup("max-compression-ratio"))
}
