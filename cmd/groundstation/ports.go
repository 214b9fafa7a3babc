package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/logging"
)

var portsDemo bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		m := link.NewManager(link.Config{Demo: portsDemo}, nil, logging.Component("link"))
		ports := m.Enumerate()
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial devices found")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "DEVICE\tUSB\tVID:PID\tSERIAL\tPRODUCT")
		for _, p := range ports {
			id := ""
			if p.VID != "" {
				id = p.VID + ":" + p.PID
			}
			fmt.Fprintf(tw, "%s\t%v\t%s\t%s\t%s\n", p.Name, p.IsUSB, id, p.SerialNumber, p.Product)
		}
		return tw.Flush()
	},
}

func init() {
	portsCmd.Flags().BoolVar(&portsDemo, "demo", false, "Include the simulated device")
}
