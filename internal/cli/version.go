package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build; "dev" otherwise.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the docrag version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("docrag", Version)
	},
}
