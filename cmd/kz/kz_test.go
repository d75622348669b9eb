package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/chazu/kernelize/internal/testkernels"
	"github.com/chazu/kernelize/module"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

// project writes a manifest and the basic kernel library into a fresh
// working directory.
func project(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src, err := testkernels.Source("basic")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "basic.kasm"), []byte(src), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "kernelize.toml"), []byte(`
[project]
name = "basic"
image = "basic.kzim"

[translate]
dialect = "opencl"

[emulator]
memory = "16MiB"
devices = 2
`), 0644))
	t.Chdir(dir)
	return dir
}

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"asm", "disasm", "translate", "inspect", "cache", "devices"} {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
	for _, name := range []string{"ls", "clear"} {
		sub, _, err := cmd.Find([]string{"cache", name})
		require.NoError(t, err, name)
		assert.Equal(t, name, sub.Name())
	}
}

func TestAsmDisasm(t *testing.T) {
	dir := project(t)
	out, err := execute(t, "asm", "basic.kasm")
	require.NoError(t, err)
	assert.Contains(t, out, "basic.kzim")
	assert.FileExists(t, filepath.Join(dir, "basic.kzim"))

	out, err = execute(t, "disasm", "basic.kzim", "Kernels::addVector")
	require.NoError(t, err)
	assert.Contains(t, out, "Kernels::addVector")
	assert.Contains(t, out, "ldelem")

	_, err = execute(t, "disasm", "basic.kzim", "Kernels::missing")
	require.Error(t, err)
}

func TestTranslateInspect(t *testing.T) {
	dir := project(t)
	_, err := execute(t, "asm", "basic.kasm")
	require.NoError(t, err)

	out, err := execute(t, "translate", "--source", "basic.cl")
	require.NoError(t, err)
	assert.Contains(t, out, "basic.opencl.kzm")
	path := filepath.Join(dir, "basic.opencl.kzm")
	m, err := module.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, module.ArchEmulator, m.Arch)
	src, err := os.ReadFile(filepath.Join(dir, "basic.cl"))
	require.NoError(t, err)
	assert.Contains(t, string(src), "__kernel void addVector(")

	out, err = execute(t, "inspect", path, "--image", "basic.kzim", "--yaml")
	require.NoError(t, err)
	var rep moduleReport
	require.NoError(t, yaml.Unmarshal([]byte(out), &rep))
	assert.Equal(t, "current", rep.Status)
	assert.Equal(t, m.ChecksumHex(), rep.Checksum)
	assert.Len(t, rep.Entries, len(m.Entries))

	out, err = execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "entry     addVector(")

	out, err = execute(t, "cache", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, m.ChecksumHex()[:12])
	assert.Contains(t, out, "1 modules")

	_, err = execute(t, "cache", "clear")
	require.NoError(t, err)
	out, err = execute(t, "cache", "ls")
	require.NoError(t, err)
	assert.Contains(t, out, "0 modules")
}

func TestTranslateRejectsDialect(t *testing.T) {
	project(t)
	_, err := execute(t, "asm", "basic.kasm")
	require.NoError(t, err)
	_, err = execute(t, "translate", "--dialect", "metal")
	require.ErrorContains(t, err, "unknown dialect")
}

func TestDevices(t *testing.T) {
	project(t)
	out, err := execute(t, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "kernelize emulator 0")
	assert.Contains(t, out, "kernelize emulator 1")
	assert.Contains(t, out, "16 MiB")
}
