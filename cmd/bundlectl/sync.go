package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"bundlekit/internal/cache/disk"
	"bundlekit/internal/config"
	"bundlekit/internal/download"
	"bundlekit/internal/manifeststore"
	"bundlekit/internal/origin"
	"bundlekit/internal/session"
	"bundlekit/internal/task"
	"bundlekit/internal/watch"
)

type syncOptions struct {
	watch bool
	tick  time.Duration
}

func newSyncCmd(root *rootOptions) *cobra.Command {
	opts := &syncOptions{}
	cmd := &cobra.Command{
		Use:   "sync [bundle...]",
		Short: "Initialize from the local package and download bundles from the remote origin",
		Long: `Runs a bundle session against the configured local package, remote origin
and byte cache: init, then a download of the named bundles (all when none are
named). With --watch it stays subscribed to BUNDLE_WATCH_URL and downloads
again whenever a new build is published.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, root, opts, args)
		},
	}
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep running and follow publish notifications")
	cmd.Flags().DurationVar(&opts.tick, "tick", 100*time.Millisecond, "session tick interval")
	return cmd
}

func openSession(cfg *config.Config, root *rootOptions, cmd *cobra.Command) (*session.Session, error) {
	log := root.logger(cmd, cfg)
	local, err := origin.NewDirStore(cfg.Bundle.LocalRoot)
	if err != nil {
		return nil, err
	}
	remote, err := remoteStore(cfg)
	if err != nil {
		return nil, err
	}
	cache, err := disk.NewLRUStore(disk.Config{Root: cfg.Cache.Dir, MaxBytes: cfg.Cache.MaxBytes, Logger: log})
	if err != nil {
		return nil, err
	}
	store, err := manifeststore.Open(cfg.Manifest.Store, cfg.Manifest.Path, cfg.Manifest.DSN)
	if err != nil {
		return nil, err
	}
	s, err := session.New(
		session.WithLogger(log),
		session.WithOrigins(local, remote),
		session.WithCache(cache),
		session.WithManifestStore(store),
		session.WithBuildTarget(cfg.Bundle.BuildTarget),
		session.WithRetainBytes(cfg.Cache.RetainBytes),
		session.WithSweepWindow(cfg.Bundle.SweepWindow),
		session.WithAutoReleaseTimeout(cfg.Bundle.AutoReleaseTimeout),
	)
	if err != nil {
		return nil, multierr.Append(err, store.Close())
	}
	return s, nil
}

func runSync(cmd *cobra.Command, root *rootOptions, opts *syncOptions, names []string) (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(cfg, root, cmd)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, s.Shutdown()) }()

	if err := report(ctx, cmd, "init", s.Init(ctx)); err != nil {
		return err
	}
	if err := report(ctx, cmd, "download", s.Download(ctx, names)); err != nil {
		return err
	}
	if !opts.watch {
		return nil
	}
	if cfg.WatchURL == "" {
		return errors.New("--watch needs BUNDLE_WATCH_URL")
	}

	client, err := watch.NewClient(cfg.WatchURL, watch.ClientOptions{BuildTarget: cfg.Bundle.BuildTarget})
	if err != nil {
		return err
	}
	go func() {
		_ = client.Run(ctx, func(n watch.Notification) {
			if cur := s.RemoteManifest(); cur != nil && cur.GlobalHash == n.GlobalHash {
				return
			}
			go func() { _ = report(ctx, cmd, "download", s.Download(ctx, names)) }()
		})
	}()
	if err := s.Run(ctx, opts.tick); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func report(ctx context.Context, cmd *cobra.Command, op string, t *task.Task[download.Report]) error {
	rep, code, err := t.Wait(ctx)
	if code == task.Pending {
		t.Cancel()
		return err
	}
	if code != task.Success {
		return fmt.Errorf("%s %s: %w", op, code, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: loaded %d (%d from cache), skipped %d, evicted %d\n",
		op, len(rep.Loaded), rep.FromCache, len(rep.Skipped), len(rep.Evicted))
	if len(rep.Missing) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: unknown bundles %v\n", op, rep.Missing)
	}
	return nil
}
