package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"socquery/drivers"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports and mark likely Arduino bridges",
		Args:  cobra.NoArgs,
		// Listing ports needs neither config nor a logger
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := enumerator.GetDetailedPortsList()
			if err != nil {
				return fmt.Errorf("listing serial ports: %w", err)
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tVID:PID\tSERIAL\tARDUINO")
			for _, p := range ports {
				usb := "-"
				if p.IsUSB {
					usb = p.VID + ":" + p.PID
				}
				arduino := ""
				if drivers.IsArduinoPort(p) {
					arduino = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, usb, p.SerialNumber, arduino)
			}
			return w.Flush()
		},
	}
}
