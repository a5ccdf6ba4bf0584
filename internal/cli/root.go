package cli

import (
	"github.com/spf13/cobra"
)

// GlobalFlags holds flags shared across all commands.
type GlobalFlags struct {
	ConfigPath string
	Debug      bool
}

var globalFlags GlobalFlags

var rootCmd = &cobra.Command{
	Use:   "docrag",
	Short: "Local RAG service over converted documents",
	Long: "docrag indexes Markdown and structured JSON produced by the document\n" +
		"conversion pipeline and answers questions against a local model backend,\n" +
		"grounding every answer in retrieved chunks with ranked source citations.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "config file path (default: <vector_db_path>/config.json)")
	rootCmd.PersistentFlags().BoolVar(&globalFlags.Debug, "debug", false, "verbose console logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
