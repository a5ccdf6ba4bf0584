package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every indexed chunk (the storage location is kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.svc.Clear(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("index cleared")
		return nil
	},
}
