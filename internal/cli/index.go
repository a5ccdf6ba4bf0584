package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docrag/internal/service"
)

var indexFlags struct {
	ClearExisting bool
}

var indexCmd = &cobra.Command{
	Use:   "index <file>",
	Short: "Index a Markdown or JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), service.IndexTimeout)
		defer cancel()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.svc.Index(ctx, args[0], indexFlags.ClearExisting)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d chunks\n", report.Filename, report.ChunksCreated)
		return nil
	},
}

func init() {
	indexCmd.Flags().BoolVar(&indexFlags.ClearExisting, "clear", false, "clear the collection before indexing")
}
