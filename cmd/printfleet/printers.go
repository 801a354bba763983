package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orrn/printfleet/internal/devices"
)

func newPrintersCmd() *cobra.Command {
	var showDevices bool
	cmd := &cobra.Command{
		Use:   "printers",
		Short: "Resolve configured printers against the serial ports present now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry := devices.NewRegistry(cfg, configPath, devices.NewSystemEnumerator(), newLogger(cfg))

			available, err := registry.Available(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDISPLAY NAME\tVID:PID\tSERIAL\tLOCATION\tDEVICE")
			for _, name := range registry.Names() {
				id, _ := registry.Identity(name)
				device := available[name]
				if device == "" {
					device = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\t%s\t%s\n",
					name, id.DisplayName, id.VendorID, id.ProductID, id.SerialNumber, id.Location, device)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if !showDevices {
				return nil
			}

			ports, err := registry.Devices(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tVID:PID\tSERIAL\tLOCATION\tDESCRIPTION")
			for _, d := range ports {
				fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\t%s\n", d.Path, d.VendorID, d.ProductID, d.SerialNumber, d.Location, d.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&showDevices, "devices", false, "Also list every serial port found")
	return cmd
}
