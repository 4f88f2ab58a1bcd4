package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewDevicesCmd(deps *Dependencies) *cobra.Command {
	var driver string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			acq, err := newAcquirer(deps.Config, driver)
			if err != nil {
				return err
			}
			devs, err := acq.Driver().List(cmd.Context())
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				fmt.Println("no capture devices found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tLABEL")
			for _, d := range devs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Kind, d.Label)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&driver, "driver", "", "capture driver: ffmpeg or synthetic (overrides config)")
	return cmd
}
