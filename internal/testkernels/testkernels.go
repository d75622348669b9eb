// Package testkernels serves the kasm kernel libraries used across the
// translator, emulator and runtime tests.
package testkernels

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/image/asm"
)

//go:embed testdata/kernels.txtar
var archive []byte

var sources = func() map[string]string {
	ar := txtar.Parse(archive)
	m := make(map[string]string, len(ar.Files))
	for _, f := range ar.Files {
		m[strings.TrimSuffix(f.Name, ".kasm")] = string(f.Data)
	}
	return m
}()

// Names lists the available libraries.
func Names() []string {
	out := make([]string, 0, len(sources))
	for n := range sources {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Source returns the kasm text of a library.
func Source(name string) (string, error) {
	src, ok := sources[name]
	if !ok {
		return "", fmt.Errorf("no kernel library %q", name)
	}
	return src, nil
}

// Image assembles a library.
func Image(name string) (*image.Image, error) {
	src, err := Source(name)
	if err != nil {
		return nil, err
	}
	return asm.Assemble(src)
}

// MustImage assembles a library or fails the test.
func MustImage(t testing.TB, name string) *image.Image {
	t.Helper()
	img, err := Image(name)
	if err != nil {
		t.Fatalf("assemble %s: %v", name, err)
	}
	return img
}

// Reader assembles a library and wraps it in a Bytecode Reader.
func Reader(t testing.TB, name string) *image.Reader {
	t.Helper()
	return image.NewReader(MustImage(t, name))
}
