package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docrag/internal/service"
)

var queryFlags struct {
	TopK   int
	Chunks bool
}

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question against the indexed documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), service.QueryTimeout)
		defer cancel()

		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		result, err := a.svc.Query(ctx, args[0], queryFlags.TopK, queryFlags.Chunks)
		if err != nil {
			return err
		}

		fmt.Println(result.Answer)
		if len(result.Sources) > 0 {
			fmt.Println()
			for i, src := range result.Sources {
				fmt.Printf("[%d] %s chunk %d (similarity %.2f)\n", i+1, src.DocID, src.ChunkIndex, src.Similarity)
			}
			fmt.Printf("\nconfidence: %.2f  model: %s  tokens: %d\n", result.Confidence, result.ModelID, result.TokensGenerated)
		}
		if queryFlags.Chunks {
			for i, hit := range result.RetrievedChunks {
				fmt.Printf("\n--- [%d] %s chunk %d ---\n%s\n", i+1, hit.DocID, hit.ChunkIndex, hit.Text)
			}
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVar(&queryFlags.TopK, "top-k", 0, "number of chunks to retrieve (default: configured top_k)")
	queryCmd.Flags().BoolVar(&queryFlags.Chunks, "chunks", false, "print full retrieved chunks")
}
