package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"bundlekit/internal/config"
	"bundlekit/internal/logging"
	"bundlekit/internal/origin"
	"bundlekit/internal/server"
	"bundlekit/internal/watch"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bundleserver",
		Short:         "Serve published bundles and announce new builds",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		dir, port string
		memCache  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve <dir> under /bundles/ with a publish websocket at /ws/publish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if port == "" {
				port = cfg.Port
			}
			log := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())

			store, err := origin.NewDirStore(dir)
			if err != nil {
				return err
			}
			var cache *origin.CachedStore
			if memCache {
				if cache, err = origin.NewCachedStore(store, origin.DefaultCacheConfig()); err != nil {
					return err
				}
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			mux := server.NewMux(server.Deps{
				Store:    store,
				Cache:    cache,
				Hub:      watch.NewHub(log),
				Gatherer: reg,
				Logger:   log,
			})
			srv := server.New(port, mux, log)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "out", "published bundle tree")
	cmd.Flags().StringVar(&port, "port", "", "listen address (default from PORT)")
	cmd.Flags().BoolVar(&memCache, "memory-cache", true, "serve bundle payloads from an in-memory LRU tier")
	return cmd
}
