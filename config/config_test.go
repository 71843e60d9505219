package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[vm]
register-file-size = 1024
max-call-depth = 64
trace = true

[gc]
young-size = 8192
old-size = 65536
promotion-threshold = 3
verify = true
manual-collect = true
major-threshold = 0.75

[log]
verbosity = 2
file = "widow.log"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if c.VM.RegisterFileSize != 1024 {
		t.Errorf("register-file-size = %d, want 1024", c.VM.RegisterFileSize)
	}
	if c.VM.MaxCallDepth != 64 {
		t.Errorf("max-call-depth = %d, want 64", c.VM.MaxCallDepth)
	}
	if !c.VM.Trace {
		t.Error("trace = false, want true")
	}
	if c.GC.YoungSize != 8192 || c.GC.OldSize != 65536 {
		t.Errorf("gc sizes = %d/%d, want 8192/65536", c.GC.YoungSize, c.GC.OldSize)
	}
	if c.GC.PromotionThreshold != 3 || !c.GC.Verify {
		t.Errorf("gc = %+v", c.GC)
	}
	if c.Log.Verbosity != 2 {
		t.Errorf("verbosity = %d, want 2", c.Log.Verbosity)
	}
	if got := c.LogFile(); got == nil || *got != filepath.Join(dir, "widow.log") {
		t.Errorf("LogFile() = %v, want %s", got, filepath.Join(dir, "widow.log"))
	}

	vc := c.VMConfig()
	if vc.RegisterFileSize != 1024 || vc.MaxCallDepth != 64 || !vc.Trace {
		t.Errorf("VMConfig() = %+v", vc)
	}
	if vc.Heap.YoungSize != 8192 || vc.Heap.OldSize != 65536 || vc.Heap.PromotionThreshold != 3 || !vc.Heap.Verify {
		t.Errorf("VMConfig().Heap = %+v", vc.Heap)
	}
	if !vc.Heap.ManualCollect || vc.Heap.MajorThreshold != 0.75 {
		t.Errorf("VMConfig().Heap collection settings = %+v", vc.Heap)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[gc]
young-size = 4096
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := Default()
	if c.GC.YoungSize != 4096 {
		t.Errorf("young-size = %d, want 4096", c.GC.YoungSize)
	}
	if c.GC.OldSize != def.GC.OldSize || c.VM.RegisterFileSize != def.VM.RegisterFileSize {
		t.Errorf("missing keys did not take defaults: %+v", c)
	}
	if c.LogFile() != nil {
		t.Errorf("LogFile() = %v, want nil", *c.LogFile())
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"syntax", "[vm\n", "parse error"},
		{"unknown key", "[gc]\nnursery = 1\n", "unknown keys gc.nursery"},
		{"small register file", "[vm]\nregister-file-size = 16\n", "register-file-size"},
		{"zero depth", "[vm]\nmax-call-depth = 0\n", "max-call-depth"},
		{"zero young", "[gc]\nyoung-size = 0\n", "young-size"},
		{"negative old", "[gc]\nold-size = -1\n", "old-size"},
		{"zero threshold", "[gc]\npromotion-threshold = 0\n", "promotion-threshold"},
		{"huge threshold", "[gc]\npromotion-threshold = 300\n", "promotion-threshold"},
		{"major threshold", "[gc]\nmajor-threshold = 1.5\n", "major-threshold"},
		{"negative verbosity", "[log]\nverbosity = -1\n", "verbosity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
			if tt.name != "syntax" && !errors.Is(err, ErrInvalid) {
				t.Errorf("error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[vm]\nmax-call-depth = 32\n")

	sub := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.VM.MaxCallDepth != 32 {
		t.Errorf("max-call-depth = %d, want 32", c.VM.MaxCallDepth)
	}
	if c.Path != filepath.Join(root, FileName) {
		t.Errorf("Path = %q, want %q", c.Path, filepath.Join(root, FileName))
	}
}

func TestFindAndLoadWithoutFile(t *testing.T) {
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c.Path != "" && filepath.Base(c.Path) != FileName {
		t.Errorf("Path = %q", c.Path)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load error = %v, want os.ErrNotExist", err)
	}
}
