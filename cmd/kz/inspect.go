package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/module"
)

// moduleReport is the inspectable view of a module.
type moduleReport struct {
	Name      string             `yaml:"name"`
	Dialect   string             `yaml:"dialect"`
	Arch      string             `yaml:"arch"`
	Toolchain string             `yaml:"toolchain"`
	Checksum  string             `yaml:"checksum"`
	Binary    int                `yaml:"binary_bytes"`
	Entries   []entryReport      `yaml:"entries"`
	Constants []constantReport   `yaml:"constants,omitempty"`
	Methods   map[string]string  `yaml:"fingerprints"`
	Excluded  []module.Exclusion `yaml:"excluded,omitempty"`
	Status    string             `yaml:"status"`
}

type entryReport struct {
	Name      string   `yaml:"name"`
	Params    []string `yaml:"params"`
	Constants []string `yaml:"constants,omitempty"`
}

type constantReport struct {
	Name string `yaml:"name"`
	Elem string `yaml:"elem"`
	Len  int    `yaml:"len"`
}

func newInspectCommand(opts *rootOptions) *cobra.Command {
	var (
		imagePath string
		asYAML    bool
		source    bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <module.kzm>",
		Short: "Describe a translated module",
		Long: `Describe a translated module. With --image the module is also checked
against the methods it was built from.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := module.ReadFile(args[0])
			if err != nil {
				return err
			}
			rep := report(m)
			if imagePath != "" {
				r, err := image.Open(imagePath)
				if err != nil {
					return err
				}
				switch err := module.VerifyChecksums(m, r); {
				case err == nil:
					rep.Status = "current"
				case module.IsStale(err):
					rep.Status = "stale: " + err.Error()
				default:
					return err
				}
			}
			w := cmd.OutOrStdout()
			if asYAML {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				if err := enc.Encode(rep); err != nil {
					return err
				}
				return enc.Close()
			}
			opts.writeReport(w, rep)
			if source {
				fmt.Fprintf(w, "\n%s", m.Source)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&imagePath, "image", "", "check the module against this image")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the report as YAML")
	cmd.Flags().BoolVar(&source, "source", false, "print the kernel source")
	return cmd
}

func report(m *module.KernelModule) moduleReport {
	rep := moduleReport{
		Name:      m.Name,
		Dialect:   string(m.Dialect),
		Arch:      m.Arch,
		Toolchain: m.Toolchain,
		Checksum:  m.ChecksumHex(),
		Binary:    len(m.Binary),
		Methods:   make(map[string]string, len(m.Fingerprints)),
		Excluded:  m.Excluded,
		Status:    "unchecked",
	}
	for _, e := range m.Entries {
		er := entryReport{Name: e.Name, Constants: e.Constants}
		for _, p := range e.Params {
			s := p.Type + " " + p.Name
			if p.Space != "" {
				s = p.Space + " " + s
			}
			er.Params = append(er.Params, s)
		}
		rep.Entries = append(rep.Entries, er)
	}
	for _, c := range m.Constants {
		rep.Constants = append(rep.Constants, constantReport{c.Name, c.Elem, c.Len})
	}
	for id, fp := range m.Fingerprints {
		rep.Methods[id] = fmt.Sprintf("%016x", fp)
	}
	return rep
}

func (o *rootOptions) writeReport(w io.Writer, rep moduleReport) {
	p := o.printer
	p.Fprintf(w, "module    %s\n", rep.Name)
	p.Fprintf(w, "target    %s/%s (%s)\n", rep.Dialect, rep.Arch, rep.Toolchain)
	p.Fprintf(w, "checksum  %s\n", rep.Checksum)
	p.Fprintf(w, "binary    %s\n", humanize.Bytes(uint64(rep.Binary)))
	p.Fprintf(w, "status    %s\n", rep.Status)
	p.Fprintf(w, "methods   %d\n", len(rep.Methods))
	for _, e := range rep.Entries {
		p.Fprintf(w, "entry     %s(%s)", e.Name, strings.Join(e.Params, ", "))
		if len(e.Constants) > 0 {
			p.Fprintf(w, " constants %s", strings.Join(e.Constants, ", "))
		}
		fmt.Fprintln(w)
	}
	for _, c := range rep.Constants {
		p.Fprintf(w, "constant  %s %s[%d]\n", c.Name, c.Elem, c.Len)
	}
	for _, e := range rep.Excluded {
		p.Fprintf(w, "excluded  %s: %s: %s\n", e.Method, e.Kind, e.Reason)
	}
}
