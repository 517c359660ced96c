package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/substrate"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search packets semantically or by metadata",
		Run:   runSearch,
	}

	cmd.Flags().StringSliceP("meta", "m", nil, "Metadata filter as key=value (repeatable)")
	cmd.Flags().IntP("limit", "l", 10, "Maximum results")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) {
	metaPairs, _ := cmd.Flags().GetStringSlice("meta")
	limit, _ := cmd.Flags().GetInt("limit")

	metadata := map[string]string{}
	for _, pair := range metaPairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			exitErr("search", fmt.Errorf("metadata filter must be key=value, got %q", pair))
		}
		metadata[k] = v
	}

	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	results, err := svc.SearchPackets(cmd.Context(), substrate.SearchRequest{
		Query:    strings.Join(args, " "),
		Metadata: metadata,
		Limit:    limit,
	})
	if err != nil {
		exitErr("search", err)
	}
	printJSON(results)
}
