package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stephnangue/custodian/cmd/server"
)

var custodianCmd = &cobra.Command{
	Use:   "custodian",
	Short: "Custodian issues ephemeral credentials and rotates long lived ones",
	Long: `Custodian manages the lifecycle of credentials on external systems.
It provisions short lived credentials on demand and revokes them when their
lease expires, and it rotates long lived credentials on a schedule while
keeping the previous generation valid for consumers still holding it.`,
}

func Execute() {
	if err := custodianCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	custodianCmd.AddCommand(server.ServerCmd)
}
