package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/chazu/kernelize/gpu"
	"github.com/chazu/kernelize/gpu/emulator"
	"github.com/chazu/kernelize/manifest"
)

var log = commonlog.GetLogger("kernelize.kz")

// rootOptions holds global flags and the project manifest.
type rootOptions struct {
	Verbose      int
	LogFile      string
	ManifestPath string

	manifest *manifest.Manifest
	printer  *message.Printer
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{printer: message.NewPrinter(language.English)}

	cmd := &cobra.Command{
		Use:   "kz",
		Short: "Translate kernel methods to GPU modules",
		Long: `kz translates methods of a compiled host image into CUDA or OpenCL
kernel modules, caches the result and runs it on registered devices.

Settings are read from the nearest kernelize.toml or kernelize.yaml.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.setup()
		},
	}

	cmd.PersistentFlags().CountVarP(&opts.Verbose, "verbose", "v", "increase log verbosity (repeatable)")
	cmd.PersistentFlags().StringVar(&opts.LogFile, "log", "", "log file (default stderr)")
	cmd.PersistentFlags().StringVar(&opts.ManifestPath, "manifest", "", "project manifest (default: search upward from the working directory)")

	cmd.AddCommand(newAsmCommand(opts))
	cmd.AddCommand(newDisasmCommand(opts))
	cmd.AddCommand(newTranslateCommand(opts))
	cmd.AddCommand(newInspectCommand(opts))
	cmd.AddCommand(newCacheCommand(opts))
	cmd.AddCommand(newDevicesCommand(opts))

	return cmd
}

// setup loads the manifest, configures logging and sizes the emulator.
func (o *rootOptions) setup() error {
	var err error
	if o.ManifestPath != "" {
		o.manifest, err = manifest.LoadFile(o.ManifestPath)
	} else {
		var wd string
		if wd, err = os.Getwd(); err == nil {
			o.manifest, err = manifest.FindAndLoad(wd)
		}
	}
	if err != nil {
		return err
	}

	verbosity, path := o.Verbose, o.LogFile
	if m := o.manifest; m != nil {
		verbosity += m.Log.Verbosity
		if path == "" {
			path = m.LogPath()
		}
	}
	if path == "" {
		commonlog.Configure(verbosity, nil)
	} else {
		commonlog.Configure(verbosity, &path)
	}

	if m := o.manifest; m != nil {
		mem, err := m.EmulatorMemory()
		if err != nil {
			return err
		}
		gpu.Register(emulator.New(emulator.Config{
			Memory:             mem,
			WarpSize:           m.Emulator.WarpSize,
			MaxThreadsPerBlock: m.Emulator.MaxThreadsPerBlock,
			Devices:            m.Emulator.Devices,
		}))
		log.Debugf("using manifest %s", m.Path)
	}
	return nil
}

// project returns the manifest, or an empty one rooted at the working
// directory when none was found.
func (o *rootOptions) project() (*manifest.Manifest, error) {
	if o.manifest != nil {
		return o.manifest, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	m := &manifest.Manifest{Dir: wd}
	m.Project.Name = "kernels"
	m.Translate.Dialect, m.Translate.Arch = "cuda", "emulator"
	m.Toolchain.NVCC = "nvcc"
	m.Cache.Path = ".kernelize/modules.db"
	m.Emulator.Memory = "1GiB"
	return m, nil
}

func (o *rootOptions) printf(cmd *cobra.Command, format string, args ...any) {
	o.printer.Fprintf(cmd.OutOrStdout(), format, args...)
}

func usageError(format string, args ...any) error {
	return fmt.Errorf("usage: "+format, args...)
}
