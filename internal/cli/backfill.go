package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Embed packets that missed the embed branch",
		Long:  "Embed packets that have no semantic entries, typically after an embedding provider outage.",
		Run:   runBackfill,
	}

	cmd.Flags().IntP("limit", "l", 100, "Maximum packets to backfill")

	RootCmd.AddCommand(cmd)
}

func runBackfill(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	n, err := svc.Backfill(cmd.Context(), limit)
	if err != nil {
		exitErr("backfill", err)
	}
	printJSON(map[string]int{"embedded": n})
}
