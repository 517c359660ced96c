package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <packet-id>",
		Short: "Retrieve a packet",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}

	cmd.Flags().Bool("derivations", false, "List packets derived from this one instead")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	derivations, _ := cmd.Flags().GetBool("derivations")

	svc, cleanup, err := openService(cmd)
	if err != nil {
		exitErr("open substrate", err)
	}
	defer cleanup()

	if derivations {
		envs, err := svc.Derivations(cmd.Context(), args[0])
		if err != nil {
			exitErr("derivations", err)
		}
		printJSON(envs)
		return
	}

	env, err := svc.GetPacket(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	printJSON(env)
}
