package cli

import (
	"errors"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ErrPartialFailure is returned by run when at least one job failed and
// --allow-partial was not given.
var ErrPartialFailure = errors.New("batch finished with failed jobs")

func Run(args []string) error {
	root := newRootCommand(os.Stdout, os.Stderr)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "genbatch",
		Short: "genbatch: bulk generation orchestrator for queue-only providers",
		Long: `genbatch submits a manifest of generation jobs to a provider that exposes no
request identifiers, watches its queue, matches finished artifacts back to
jobs and keeps a resumable ledger of the batch.

Quick Start:
  genbatch validate --batch-file jobs.json
  genbatch estimate --batch-file jobs.json
  genbatch run --batch-file jobs.json --output out
  genbatch status --output out`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().String("config", "", "config file (default ./genbatch.yaml or ./config/genbatch.yaml)")

	root.AddCommand(
		newRunCommand(),
		newStatusCommand(),
		newWatchCommand(),
		newValidateCommand(),
		newEstimateCommand(),
	)
	return root
}
