package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"bundlekit/internal/manifest"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <manifest>",
		Short: "Validate a manifest and print its bundle table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := manifest.TryParse(raw)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "target %s  built %s  global hash %s\n",
				m.BuildTarget, time.UnixMilli(m.BuildTime).UTC().Format(time.RFC3339), m.GlobalHash)

			var unresolved []string
			for _, info := range m.Bundles {
				for _, dep := range info.Dependencies {
					if _, ok := m.TryGetBundleInfo(dep); !ok {
						unresolved = append(unresolved, info.Name+" -> "+dep)
					}
				}
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "BUNDLE\tHASH\tSIZE\tLOCAL\tDEPENDENCIES")
			for _, info := range m.Bundles {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%v\n", info.Name, info.Hash, info.Size, info.IsLocal, info.Dependencies)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			if len(unresolved) > 0 {
				return fmt.Errorf("manifest has unresolved dependencies: %v", unresolved)
			}
			return nil
		},
	}
}
