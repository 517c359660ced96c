package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "events <agent-id>",
		Short: "List an agent's domain events, most recent first",
		Args:  cobra.ExactArgs(1),
		Run:   runEvents,
	}

	cmd.Flags().IntP("limit", "l", 50, "Maximum events")

	RootCmd.AddCommand(cmd)
}

func runEvents(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")

	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	events, err := svc.Events(cmd.Context(), args[0], limit)
	if err != nil {
		exitErr("events", err)
	}
	printJSON(events)
}
