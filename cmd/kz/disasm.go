package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chazu/kernelize/image"
)

func newDisasmCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <image> [method...]",
		Short: "List the bytecode of image methods",
		Long: `List the bytecode of every method with a body, or of the named
methods. Methods are named Owner::name or Owner::name(sig,...).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := image.Open(args[0])
			if err != nil {
				return err
			}
			return disassemble(cmd.OutOrStdout(), r, args[1:])
		},
	}
}

func disassemble(w io.Writer, r *image.Reader, ids []string) error {
	var methods []*image.Method
	if len(ids) == 0 {
		for _, m := range r.Image.Methods() {
			if m.Body != nil {
				methods = append(methods, m)
			}
		}
	}
	for _, id := range ids {
		mi, err := r.Method(id)
		if err != nil {
			return err
		}
		methods = append(methods, mi.Method)
	}
	for i, m := range methods {
		if i > 0 {
			fmt.Fprintln(w)
		}
		res := image.MethodResolver{Image: r.Image, Method: m}
		fmt.Fprint(w, m.Body.DisassembleWithName(m.FullID(), res))
	}
	return nil
}
