package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/manifest"
	"github.com/chazu/kernelize/module"
	"github.com/chazu/kernelize/pkg/codegen"
)

type translateOptions struct {
	*rootOptions
	Dialect  string
	Arch     string
	Output   string
	Source   string
	NoCache  bool
	FailFast bool
	Workers  int
	Compress bool
}

func newTranslateCommand(root *rootOptions) *cobra.Command {
	opts := &translateOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "translate [image] [type|method...]",
		Short: "Translate kernel methods into a module",
		Long: `Translate the kernel methods of an image, or the named types and
methods, into a module for the selected dialect and architecture. The
image and method set default to the manifest's [project] table.

Methods that cannot be translated are excluded and reported; the module
holds the rest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.Dialect, "dialect", "", "kernel dialect: cuda or opencl")
	cmd.Flags().StringVar(&opts.Arch, "arch", "", "target architecture, or emulator")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "module file (default: <image>.<dialect>.kzm)")
	cmd.Flags().StringVar(&opts.Source, "source", "", "also write the emitted kernel source here")
	cmd.Flags().BoolVar(&opts.NoCache, "no-cache", false, "bypass the module cache")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "stop at the first method that cannot be translated")
	cmd.Flags().IntVar(&opts.Workers, "workers", 0, "concurrent method translations (default GOMAXPROCS)")
	cmd.Flags().BoolVar(&opts.Compress, "compress", true, "compress the module file")
	return cmd
}

func runTranslate(cmd *cobra.Command, opts *translateOptions, args []string) error {
	m, err := opts.project()
	if err != nil {
		return err
	}
	path := m.ImagePath()
	if len(args) > 0 {
		path, args = args[0], args[1:]
	}
	req, err := opts.request(m, args)
	if err != nil {
		return err
	}

	r, err := image.Open(path)
	if err != nil {
		return err
	}
	p := module.Packager{Toolchains: toolchains(m)}
	if !opts.NoCache && m.CacheEnabled() {
		cache, err := openCache(m)
		if err != nil {
			return err
		}
		defer cache.Close()
		p.Cache = cache
	}

	km, err := p.Obtain(cmd.Context(), r, req)
	if err != nil {
		return err
	}

	out := opts.Output
	if out == "" {
		out = strings.TrimSuffix(path, filepath.Ext(path)) + "." + string(km.Dialect) + ".kzm"
	}
	if err := module.WriteFile(out, km, opts.Compress); err != nil {
		return err
	}
	if opts.Source != "" {
		if err := os.WriteFile(opts.Source, []byte(km.Source), 0644); err != nil {
			return fmt.Errorf("failed to write source: %w", err)
		}
	}

	opts.printf(cmd, "%s: %d entry points, %d constant regions, %d excluded (%s)\n",
		out, len(km.Entries), len(km.Constants), len(km.Excluded), km.ChecksumHex()[:12])
	if len(km.Excluded) > 0 {
		fmt.Fprint(cmd.ErrOrStderr(), km.Summary())
	}
	return nil
}

func (o *translateOptions) request(m *manifest.Manifest, methods []string) (module.Request, error) {
	req := module.Request{
		Dialect: codegen.Dialect(m.Translate.Dialect),
		Arch:    m.Translate.Arch,
		Methods: m.Project.Methods,
	}
	req.Compiler.FailFast = m.Translate.FailFast || o.FailFast
	req.Compiler.Workers = m.Translate.Workers
	if o.Dialect != "" {
		req.Dialect = codegen.Dialect(o.Dialect)
	}
	if o.Arch != "" {
		req.Arch = o.Arch
	}
	if o.Workers > 0 {
		req.Compiler.Workers = o.Workers
	}
	if len(methods) > 0 {
		req.Methods = methods
	}
	if req.Dialect != codegen.CUDA && req.Dialect != codegen.OpenCL {
		return req, usageError("unknown dialect %q (cuda or opencl)", req.Dialect)
	}
	return req, nil
}

func toolchains(m *manifest.Manifest) module.Toolchains {
	return module.Toolchains{
		NVCC:   module.NVCC{Path: m.Toolchain.NVCC, Flags: m.Toolchain.NVCCFlags},
		OpenCL: module.OpenCL{Checker: m.Toolchain.OpenCLChecker},
	}
}

func openCache(m *manifest.Manifest) (*module.Cache, error) {
	path := m.CachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	store, err := module.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return module.NewCache(store), nil
}
