package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bundlekit/internal/buildcfg"
	"bundlekit/internal/config"
	"bundlekit/internal/deptree"
	"bundlekit/internal/origin"
	"bundlekit/internal/publish"
)

type buildOptions struct {
	configPath string
	graphPath  string
	outDir     string
	localDir   string
	toS3       bool
}

func newBuildCmd(root *rootOptions) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Pack bundles and write them with their manifest",
		Long: `Resolves the dependency tree of the bundle definitions, packs every
bundle including synthesized shared bundles, and writes the payloads and
Manifest.json under <out>/<target>/. Bundles included in the player are also
written under <local-out>/<target>/.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "bundles.hcl", "bundle definitions file")
	f.StringVar(&opts.graphPath, "graph", "assets.yaml", "asset dependency graph")
	f.StringVar(&opts.outDir, "out", "out", "remote output directory")
	f.StringVar(&opts.localDir, "local-out", "out/local", "local package output directory")
	f.BoolVar(&opts.toS3, "s3", false, "publish to the configured S3 bucket instead of --out")
	return cmd
}

func loadDefinitions(configPath, graphPath string) (*buildcfg.Config, *buildcfg.AssetGraph, error) {
	defs, err := buildcfg.LoadFile(configPath)
	if err != nil {
		return nil, nil, err
	}
	graph, err := buildcfg.LoadGraph(graphPath)
	if err != nil {
		return nil, nil, err
	}
	return defs, graph, nil
}

func runBuild(cmd *cobra.Command, root *rootOptions, opts *buildOptions) error {
	defs, graph, err := loadDefinitions(opts.configPath, opts.graphPath)
	if err != nil {
		return err
	}
	out, err := publish.Assemble(publish.Build{
		BuildTarget: defs.BuildTarget,
		RemoteURL:   defs.RemoteURL,
		Definitions: defs.Bundles,
		Options:     defs.Options(),
	}, graph)
	if err != nil {
		return err
	}

	var cfg *config.Config
	var remote origin.Publisher
	if opts.toS3 {
		if cfg, err = config.Load(); err != nil {
			return err
		}
		if remote, err = s3Store(cfg); err != nil {
			return err
		}
	} else if remote, err = origin.NewDirStore(opts.outDir); err != nil {
		return err
	}
	local, err := origin.NewDirStore(opts.localDir)
	if err != nil {
		return err
	}
	if err := publish.Write(cmd.Context(), out, remote, local, root.logger(cmd, cfg)); err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUNDLE\tHASH\tSIZE\tLOCAL\tDEPENDENCIES")
	for _, a := range out.Artifacts {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%v\n", a.Info.Name, a.Info.Hash, a.Info.Size, a.Info.IsLocal, a.Info.Dependencies)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "global hash %s\n", out.Manifest.GlobalHash)
	return nil
}

func newDepsCmd() *cobra.Command {
	var configPath, graphPath string
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Print the flattened dependency list of every bundle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, graph, err := loadDefinitions(configPath, graphPath)
			if err != nil {
				return err
			}
			res, err := deptree.Build(defs.Bundles, graph, defs.Options())
			if err != nil {
				return err
			}
			for _, b := range res.Bundles {
				marker := ""
				if b.Shared {
					marker = " (shared)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s: %v\n", b.Name, marker, res.Dependencies[b.Name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "bundles.hcl", "bundle definitions file")
	cmd.Flags().StringVar(&graphPath, "graph", "assets.yaml", "asset dependency graph")
	return cmd
}
