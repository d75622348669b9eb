package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/kernelize/image/asm"
)

func newAsmCommand(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "asm <file.kasm>",
		Short: "Assemble a host image from text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			img, err := asm.Assemble(string(src))
			if err != nil {
				return err
			}
			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + ".kzim"
			}
			if err := img.WriteFile(output); err != nil {
				return err
			}
			opts.printf(cmd, "%s: %d types, %d methods\n", output, len(img.Types), len(img.Methods()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output image (default: input with .kzim)")
	return cmd
}
