package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove packets whose ttl has passed",
		Run:   runSweep,
	}

	RootCmd.AddCommand(cmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	n, err := svc.SweepExpired(cmd.Context())
	if err != nil {
		exitErr("sweep", err)
	}
	printJSON(map[string]int{"removed": n})
}
