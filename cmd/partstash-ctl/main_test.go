package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeConfig writes a config that keeps manifests and parts under dir,
// with 16-byte parts.
func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	cfg := fmt.Sprintf(`
ingest:
  max_part_size: 16
manifest:
  engine: local
  local:
    root_dir: %s
partstore:
  backend: local
  local:
    root_dir: %s
`, filepath.Join(dir, "manifest"), filepath.Join(dir, "parts"))
	path := filepath.Join(dir, "partstash.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// run executes partstash-ctl with args and returns its stdout.
func run(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--config", configPath, "--no-progress"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func mustRun(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	out, err := run(t, configPath, args...)
	if err != nil {
		t.Fatalf("partstash-ctl %s: %v", strings.Join(args, " "), err)
	}
	return out
}

func TestUploadGetVerifyRemove(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	data := []byte(strings.Repeat("0123456789", 5))
	src := filepath.Join(dir, "numbers.txt")
	if err := os.WriteFile(src, data, 0o644); err != nil {
		t.Fatal(err)
	}

	out := mustRun(t, cfg, "upload", src, "--id", "numbers")
	if !strings.Contains(out, "numbers\tnumbers.txt") || !strings.Contains(out, "4 parts") {
		t.Errorf("upload output = %q", out)
	}

	out = mustRun(t, cfg, "ls", "NUMBERS")
	if !strings.Contains(out, "numbers.txt") || !strings.Contains(out, "complete") {
		t.Errorf("ls output = %q", out)
	}

	if out := mustRun(t, cfg, "get", "numbers", "--range", "12-21"); out != string(data[12:22]) {
		t.Errorf("get --range = %q, want %q", out, data[12:22])
	}

	dst := filepath.Join(dir, "copy.txt")
	mustRun(t, cfg, "get", "numbers", "-o", dst)
	if got, err := os.ReadFile(dst); err != nil || !bytes.Equal(got, data) {
		t.Errorf("get -o wrote %q, %v", got, err)
	}

	if out := mustRun(t, cfg, "verify", "numbers"); !strings.Contains(out, "4/4 parts verified") {
		t.Errorf("verify output = %q", out)
	}

	if out := mustRun(t, cfg, "rm", "numbers", "--purge"); !strings.Contains(out, "4 parts removed") {
		t.Errorf("rm output = %q", out)
	}
	if _, err := run(t, cfg, "stat", "numbers"); err == nil {
		t.Error("stat after rm should fail")
	}
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	cfg := writeConfig(t, dir)

	src := filepath.Join(dir, "a.bin")
	if err := os.WriteFile(src, bytes.Repeat([]byte{7}, 40), 0o644); err != nil {
		t.Fatal(err)
	}
	mustRun(t, cfg, "upload", src, "--id", "a")

	doc := filepath.Join(dir, "export.json")
	mustRun(t, cfg, "export", "-o", doc)

	mustRun(t, cfg, "rm", "a")
	if out := mustRun(t, cfg, "import", doc); !strings.Contains(out, "imported 1") {
		t.Errorf("import output = %q", out)
	}
	if out := mustRun(t, cfg, "import", doc); !strings.Contains(out, "skipped 1") {
		t.Errorf("second import output = %q", out)
	}

	// The parts were kept by the plain rm, so the restored file reads back.
	if out := mustRun(t, cfg, "get", "a", "--range=-4"); out != "\x07\x07\x07\x07" {
		t.Errorf("get after import = %q", out)
	}
}

func TestParseRangeFlag(t *testing.T) {
	for _, v := range []string{"", "0-9", "bytes=0-9", "5-", "-3"} {
		if _, err := parseRangeFlag(v); err != nil {
			t.Errorf("parseRangeFlag(%q) = %v", v, err)
		}
	}
	if _, err := parseRangeFlag("nine"); err == nil {
		t.Error(`parseRangeFlag("nine") should fail`)
	}
}
