package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/groundstation/internal/uplink"
)

var scriptTeam int

var scriptCmd = &cobra.Command{
	Use:   "script <file>",
	Short: "Validate a playback script and print the commands it sends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmds, err := uplink.ReadScript(args[0], scriptTeam)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range cmds {
			fmt.Fprintln(out, c.String())
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d commands\n", len(cmds))
		return nil
	},
}

func init() {
	scriptCmd.Flags().IntVar(&scriptTeam, "team", 0, "Team id substituted for $")
}
