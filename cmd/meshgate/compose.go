package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hanpama/meshgate/internal/composer"
	"github.com/hanpama/meshgate/internal/discovery"
	"github.com/hanpama/meshgate/internal/fragment"
)

func newComposeCmd(f *rootFlags) *cobra.Command {
	var dir, out string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Compose service manifests and print the resulting SDL",
		Long:  "Compose loads every manifest under --dir, validates the composed schema and prints it. Composition errors exit non-zero.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := f.load()
				if err != nil {
					return err
				}
				dir = cfg.Discovery.Dir
			}
			svcs, err := discovery.NewDir(dir).Services(cmd.Context())
			if err != nil {
				return err
			}
			compiled, err := composer.Compose(fragment.Extract(svcs))
			if err != nil {
				return err
			}
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), compiled.SDL)
				return err
			}
			return os.WriteFile(out, []byte(compiled.SDL), 0o644)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "manifest directory (default: discovery.dir from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the SDL to a file instead of stdout")
	return cmd
}
