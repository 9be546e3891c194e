package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"bundlekit/internal/config"
	"bundlekit/internal/logging"
	"bundlekit/internal/origin"
)

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "bundlectl",
		Short:         "Build, inspect and sync asset bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (default from LOG_LEVEL)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "text or json (default from LOG_FORMAT)")

	cmd.AddCommand(
		newBuildCmd(opts),
		newDepsCmd(),
		newInspectCmd(),
		newSyncCmd(opts),
	)
	return cmd
}

func (o *rootOptions) logger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level, format := o.logLevel, o.logFormat
	if level == "" && cfg != nil {
		level = cfg.LogLevel
	}
	if format == "" && cfg != nil {
		format = cfg.LogFormat
	}
	return logging.New(level, format, cmd.ErrOrStderr())
}

// remoteStore opens the configured remote origin: S3 when an endpoint is
// set, otherwise HTTP. It returns nil when neither is configured.
func remoteStore(cfg *config.Config) (origin.Store, error) {
	if cfg.Origin.UseS3() {
		return s3Store(cfg)
	}
	if cfg.Origin.RemoteURL == "" {
		return nil, nil
	}
	return origin.NewHTTPStore(cfg.Origin.RemoteURL, nil)
}

func s3Store(cfg *config.Config) (*origin.S3Store, error) {
	s, err := origin.NewS3Store(origin.S3Config{
		Endpoint:  cfg.Origin.Endpoint,
		Region:    cfg.Origin.Region,
		AccessKey: cfg.Origin.AccessKey,
		SecretKey: cfg.Origin.SecretKey,
		Bucket:    cfg.Origin.Bucket,
		Prefix:    cfg.Origin.Prefix,
		UseSSL:    cfg.Origin.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("open s3 origin: %w", err)
	}
	return s, nil
}
