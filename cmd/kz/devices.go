package main

import (
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/kernelize/gpu"
)

func newDevicesCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List the devices of every registered driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			opts.printer.Fprintf(tw, "DRIVER\tID\tNAME\tDIALECTS\tMEMORY\tWARP\tTHREADS/BLOCK\n")
			for _, d := range gpu.Drivers() {
				dialects := ""
				for i, dl := range d.Dialects() {
					if i > 0 {
						dialects += ","
					}
					dialects += string(dl)
				}
				for id := range d.Count() {
					b, err := d.Open(cmd.Context(), id)
					if err != nil {
						log.Warningf("%s device %d: %v", d.Name(), id, err)
						continue
					}
					p := b.Properties()
					opts.printer.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%d\t%d\n", d.Name(), id, p.Name, dialects,
						humanize.IBytes(uint64(p.TotalMemory)), p.WarpSize, p.MaxThreadsPerBlock)
					if err := b.Close(); err != nil {
						return err
					}
				}
			}
			return tw.Flush()
		},
	}
}
