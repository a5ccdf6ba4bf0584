package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print collection statistics and backend health",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		stats, err := a.svc.Stats(cmd.Context())
		if err != nil {
			return err
		}
		health := a.svc.Health(cmd.Context())

		out := map[string]any{"stats": stats, "health": health}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encode status: %w", err)
		}
		return nil
	},
}
