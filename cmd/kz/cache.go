package main

import (
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the module cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List cached modules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.project()
			if err != nil {
				return err
			}
			cache, err := openCache(m)
			if err != nil {
				return err
			}
			defer cache.Close()
			recs, err := cache.List(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			opts.printer.Fprintf(tw, "CHECKSUM\tNAME\tTARGET\tSIZE\tCREATED\n")
			var total int
			for _, r := range recs {
				total += r.Size
				opts.printer.Fprintf(tw, "%s\t%s\t%s/%s\t%s\t%s\n", r.Checksum[:12], r.Name, r.Dialect, r.Arch,
					humanize.Bytes(uint64(r.Size)), humanize.Time(r.Created))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			opts.printf(cmd, "%d modules, %s\n", len(recs), humanize.Bytes(uint64(total)))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := opts.project()
			if err != nil {
				return err
			}
			cache, err := openCache(m)
			if err != nil {
				return err
			}
			defer cache.Close()
			if err := cache.Clear(cmd.Context()); err != nil {
				return err
			}
			opts.printf(cmd, "cleared %s\n", m.CachePath())
			return nil
		},
	})
	return cmd
}
