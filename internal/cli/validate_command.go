package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"genbatch/internal/manifest"
)

func newValidateCommand() *cobra.Command {
	var batchFile string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "check a manifest against the manifest schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(batchFile)
			if path == "" {
				return errors.New("--batch-file is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read manifest %s: %w", path, err)
			}

			w := cmd.OutOrStdout()
			if err := manifest.Validate(path, data); err != nil {
				var verr *manifest.ValidationError
				if !errors.As(err, &verr) {
					color.New(color.FgRed).Fprintf(w, "manifest is unreadable (%s)\n", path)
					return err
				}
				color.New(color.FgRed).Fprintf(w, "manifest validation failed (%s)\n", path)
				for _, issue := range verr.Issues {
					color.New(color.FgRed).Fprintf(w, "  - %s\n", issue)
				}
				return manifest.ErrInvalidManifest
			}

			mf, err := manifest.Parse(path, data)
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(w, "manifest is valid (%s)\n", path)
			fmt.Fprintf(w, "jobs: %d\n", len(mf.Jobs))
			fmt.Fprintf(w, "kinds: %s\n", kindCounts(mf.Jobs))
			fmt.Fprintf(w, "manifest_hash: %s\n", mf.Hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchFile, "batch-file", "", "manifest file (.json, .yaml or .yml)")
	return cmd
}
