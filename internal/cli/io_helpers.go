package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"genbatch/internal/config"
	"genbatch/internal/ledger"
	"genbatch/internal/manifest"
	"genbatch/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadConfig(strings.TrimSpace(path))
}

// addManifestFlags registers the two manifest sources shared by run,
// validate and estimate.
func addManifestFlags(cmd *cobra.Command) {
	cmd.Flags().String("batch-file", "", "manifest file (.json, .yaml or .yml)")
	cmd.Flags().StringArray("prompt", nil, "literal prompt; repeat for several jobs")
}

func loadManifest(cmd *cobra.Command) (model.Manifest, error) {
	file, _ := cmd.Flags().GetString("batch-file")
	prompts, _ := cmd.Flags().GetStringArray("prompt")
	file = strings.TrimSpace(file)

	switch {
	case file != "" && len(prompts) > 0:
		return model.Manifest{}, fmt.Errorf("use either --batch-file or --prompt, not both")
	case file != "":
		return manifest.Load(file)
	case len(prompts) > 0:
		return manifest.FromPrompts(prompts, nil)
	default:
		return model.Manifest{}, fmt.Errorf("--batch-file or --prompt is required")
	}
}

// resolveLedgerPath applies the precedence explicit path, configured path,
// then batch-state.json inside the output directory.
func resolveLedgerPath(explicit string, cfg *config.Config, outputDir string) string {
	if p := firstNonEmpty(explicit, cfg.Batch.LedgerPath); p != "" {
		return p
	}
	return filepath.Join(outputDir, ledger.FileName)
}
