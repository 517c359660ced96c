package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "checkpoint <agent-id>",
		Short: "Show an agent's latest checkpoint",
		Args:  cobra.ExactArgs(1),
		Run:   runCheckpoint,
	}

	RootCmd.AddCommand(cmd)
}

func runCheckpoint(cmd *cobra.Command, args []string) {
	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	cp, err := svc.Checkpoint(cmd.Context(), args[0])
	if err != nil {
		exitErr("checkpoint", err)
	}
	printJSON(cp)
}
