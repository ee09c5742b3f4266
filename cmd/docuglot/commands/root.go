// Package commands wires the docuglot CLI: the API server, schema
// migrations, the embedding backfill, and an ad-hoc search command.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/docuglot/docuglot/internal/config"
)

var (
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "docuglot",
	Short: "Document translation pipeline with hybrid search",
	Long: `Docuglot converts uploaded documents into page images, extracts each page
to markdown with a vision model, translates it, embeds it, and serves
fused semantic plus full-text search over the result.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Environment files are optional; real env vars win either way.
		_ = godotenv.Load()
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}
