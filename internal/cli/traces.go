package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memory-substrate/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "traces",
		Short: "List reasoning traces",
		Run:   runTraces,
	}

	cmd.Flags().StringP("packet", "p", "", "Filter by packet id")
	cmd.Flags().String("mode", "", "Filter by reasoning mode")
	cmd.Flags().IntP("limit", "l", 50, "Maximum traces")

	RootCmd.AddCommand(cmd)
}

func runTraces(cmd *cobra.Command, args []string) {
	packetID, _ := cmd.Flags().GetString("packet")
	mode, _ := cmd.Flags().GetString("mode")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	traces, err := svc.Traces(cmd.Context(), store.TraceFilter{
		PacketID: packetID,
		Mode:     mode,
		Limit:    limit,
	})
	if err != nil {
		exitErr("traces", err)
	}
	printJSON(traces)
}
