// ccremote multiplexes long-lived AI coding sessions inside detached tmux
// sessions and serves them to remote clients over websocket.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ccremote",
		Short:         "Remote control for AI coding sessions in tmux",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newStartCmd(),
		newStopCmd(),
		newStatusCmd(),
		newTokenCmd(),
		newQRCmd(),
		newNewCmd(),
		newListCmd(),
		newAttachCmd(),
		newKillCmd(),
		newInstallCmd(),
		newUninstallCmd(),
		newMCPCmd(),
	)
	return root
}
