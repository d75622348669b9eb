package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kernelize.toml", `
[project]
name = "mandel"
image = "build/mandel.kzim"
methods = ["Kernels::mandelbrot"]

[translate]
dialect = "opencl"
arch = "sm_80"
fail_fast = true
workers = 4

[toolchain]
nvcc = "/usr/local/cuda/bin/nvcc"
nvcc_flags = ["-O3"]
opencl_checker = ["clang", "-fsyntax-only", "-x", "cl"]

[cache]
enabled = false
path = "/tmp/modules.db"

[emulator]
memory = "256MiB"
warp_size = 64
max_threads_per_block = 512
devices = 2

[log]
verbosity = 1
file = "kz.log"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "mandel" {
		t.Errorf("project name = %q, want mandel", m.Project.Name)
	}
	if got, want := m.ImagePath(), filepath.Join(m.Dir, "build", "mandel.kzim"); got != want {
		t.Errorf("image path = %q, want %q", got, want)
	}
	if len(m.Project.Methods) != 1 || m.Project.Methods[0] != "Kernels::mandelbrot" {
		t.Errorf("methods = %v", m.Project.Methods)
	}
	if m.Translate.Dialect != "opencl" || m.Translate.Arch != "sm_80" || !m.Translate.FailFast || m.Translate.Workers != 4 {
		t.Errorf("translate = %+v", m.Translate)
	}
	if len(m.Toolchain.OpenCLChecker) != 4 || m.Toolchain.NVCCFlags[0] != "-O3" {
		t.Errorf("toolchain = %+v", m.Toolchain)
	}
	if m.CacheEnabled() {
		t.Error("cache enabled = true, want false")
	}
	if m.CachePath() != "/tmp/modules.db" {
		t.Errorf("cache path = %q, want /tmp/modules.db", m.CachePath())
	}
	mem, err := m.EmulatorMemory()
	if err != nil {
		t.Fatalf("EmulatorMemory: %v", err)
	}
	if mem != 256<<20 {
		t.Errorf("emulator memory = %d, want %d", mem, 256<<20)
	}
	if m.Emulator.WarpSize != 64 || m.Emulator.MaxThreadsPerBlock != 512 || m.Emulator.Devices != 2 {
		t.Errorf("emulator = %+v", m.Emulator)
	}
	if m.Log.Verbosity != 1 || m.LogPath() != filepath.Join(m.Dir, "kz.log") {
		t.Errorf("log = %+v, path %q", m.Log, m.LogPath())
	}
}

func TestLoadManifestYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kernelize.yaml", `
project:
  name: vectors
translate:
  dialect: cuda
  workers: 2
emulator:
  memory: 64MiB
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Project.Name != "vectors" || m.Translate.Workers != 2 {
		t.Errorf("manifest = %+v", m)
	}
	if filepath.Base(m.Path) != "kernelize.yaml" {
		t.Errorf("path = %q", m.Path)
	}
	if mem, _ := m.EmulatorMemory(); mem != 64<<20 {
		t.Errorf("emulator memory = %d", mem)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "kernelize.toml", `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Image != "minimal.kzim" {
		t.Errorf("default image = %q, want minimal.kzim", m.Project.Image)
	}
	if m.Translate.Dialect != "cuda" || m.Translate.Arch != "emulator" {
		t.Errorf("default target = %s/%s, want cuda/emulator", m.Translate.Dialect, m.Translate.Arch)
	}
	if !m.CacheEnabled() {
		t.Error("cache should default to enabled")
	}
	if got, want := m.CachePath(), filepath.Join(m.Dir, ".kernelize", "modules.db"); got != want {
		t.Errorf("cache path = %q, want %q", got, want)
	}
	if mem, err := m.EmulatorMemory(); err != nil || mem != 1<<30 {
		t.Errorf("emulator memory = %d, %v", mem, err)
	}
	if m.LogPath() != "" {
		t.Errorf("log path = %q, want stderr", m.LogPath())
	}
}

func TestLoadManifestInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown dialect", "[translate]\ndialect = \"metal\"\n"},
		{"unknown table", "[dependencies]\nfoo = \"bar\"\n"},
		{"unknown key", "[cache]\nsize = 10\n"},
		{"negative workers", "[translate]\nworkers = -1\n"},
		{"zero warp size", "[emulator]\nwarp_size = 0\n"},
		{"memory type", "[emulator]\nmemory = 1024\n"},
		{"methods type", "[project]\nmethods = \"Kernels::add\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "kernelize.toml", tt.content)
			_, err := Load(dir)
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.name != "memory type" && tt.name != "methods type" && !errors.Is(err, ErrInvalid) {
				t.Errorf("error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	dir := t.TempDir()
	subDir := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "kernelize.toml", "[project]\nname = \"found-project\"\n")

	// Should find manifest when starting from a deep subdirectory
	m, err := FindAndLoad(subDir)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found-project" {
		t.Errorf("project name = %q, want found-project", m.Project.Name)
	}
	if m.Dir != dir {
		t.Errorf("dir = %q, want %q", m.Dir, dir)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	dir := t.TempDir()
	m, err := FindAndLoad(dir)
	if err != nil {
		t.Fatalf("FindAndLoad error: %v", err)
	}
	if m != nil {
		t.Error("expected nil manifest when no kernelize.toml exists")
	}
	if _, err := Load(dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want ErrNotExist", err)
	}
}
