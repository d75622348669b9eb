package module

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/pkg/codegen"
)

// ArchEmulator selects the CPU emulator instead of a native toolchain.
const ArchEmulator = "emulator"

// ErrNoToolchain reports a toolchain binary that cannot be found.
var ErrNoToolchain = errors.New("toolchain not available")

// CompileError carries the diagnostics of a toolchain that rejected the
// emitted source, verbatim.
type CompileError struct {
	Toolchain string
	Output    string
	Err       error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s rejected kernel source: %v\n%s", e.Toolchain, e.Err, strings.TrimRight(e.Output, "\n"))
}

func (e *CompileError) Unwrap() error { return e.Err }

// Unit is the input of a toolchain run.
type Unit struct {
	Name    string
	Dialect codegen.Dialect
	Arch    string
	Source  string
	Program *highast.Program
}

// Toolchain turns emitted source into a loadable binary.
type Toolchain interface {
	Name() string
	Compile(ctx context.Context, u *Unit) ([]byte, error)
}

// NVCC compiles CUDA source to PTX with nvcc.
type NVCC struct {
	Path  string
	Flags []string
}

func (t *NVCC) Name() string { return "nvcc" }

// Compile runs nvcc -ptx in a scratch directory and returns the PTX text.
func (t *NVCC) Compile(ctx context.Context, u *Unit) ([]byte, error) {
	if u.Dialect != codegen.CUDA {
		return nil, fmt.Errorf("nvcc cannot compile %s source", u.Dialect)
	}
	path := t.Path
	if path == "" {
		path = "nvcc"
	}
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrNoToolchain)
	}
	dir, err := os.MkdirTemp("", "kernelize-nvcc-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, u.Name+".cu")
	out := filepath.Join(dir, u.Name+".ptx")
	if err := os.WriteFile(src, []byte(u.Source), 0644); err != nil {
		return nil, fmt.Errorf("failed to write kernel source: %w", err)
	}
	args := []string{"-ptx", "-o", out}
	if u.Arch != "" {
		args = append(args, "-arch="+u.Arch)
	}
	args = append(args, t.Flags...)
	args = append(args, src)

	log.Infof("running %s %s", bin, strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, &CompileError{Toolchain: t.Name(), Output: string(output), Err: err}
	}
	if len(output) > 0 {
		log.Warningf("nvcc: %s", strings.TrimSpace(string(output)))
	}
	ptx, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read nvcc output: %w", err)
	}
	return ptx, nil
}

// OpenCL packages OpenCL source, which devices compile when the module is
// loaded. When Checker is set the source is first run through it, with
// the path of the source file as the last argument.
type OpenCL struct {
	Checker []string
}

func (t *OpenCL) Name() string { return "opencl" }

// Compile returns the source text as the binary.
func (t *OpenCL) Compile(ctx context.Context, u *Unit) ([]byte, error) {
	if u.Dialect != codegen.OpenCL {
		return nil, fmt.Errorf("opencl toolchain cannot compile %s source", u.Dialect)
	}
	if len(t.Checker) == 0 {
		return []byte(u.Source), nil
	}
	bin, err := exec.LookPath(t.Checker[0])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.Checker[0], ErrNoToolchain)
	}
	f, err := os.CreateTemp("", "kernelize-*.cl")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer os.Remove(f.Name())
	if _, err := f.WriteString(u.Source); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write kernel source: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	args := append(append([]string(nil), t.Checker[1:]...), f.Name())
	log.Infof("running %s %s", bin, strings.Join(args, " "))
	output, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return nil, &CompileError{Toolchain: t.Name(), Output: string(output), Err: err}
	}
	return []byte(u.Source), nil
}

// Emulator packages the High-Level AST itself for the CPU emulator.
type Emulator struct{}

func (Emulator) Name() string { return ArchEmulator }

// Compile encodes the program.
func (Emulator) Compile(ctx context.Context, u *Unit) ([]byte, error) {
	if u.Program == nil {
		return nil, errors.New("emulator toolchain needs the translated program")
	}
	return highast.MarshalProgram(u.Program)
}

// Toolchains selects the toolchain for a target.
type Toolchains struct {
	NVCC   NVCC
	OpenCL OpenCL
}

// For returns the toolchain building dialect d for arch.
func (ts *Toolchains) For(d codegen.Dialect, arch string) (Toolchain, error) {
	if arch == ArchEmulator {
		return Emulator{}, nil
	}
	switch d {
	case codegen.CUDA:
		return &ts.NVCC, nil
	case codegen.OpenCL:
		return &ts.OpenCL, nil
	}
	return nil, fmt.Errorf("no toolchain for dialect %q", d)
}
