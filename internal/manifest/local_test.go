package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/partstash/partstash/internal/config"
)

func newTestLocalStore(t *testing.T, dir string, compact bool) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(config.LocalManifestConfig{RootDir: dir, CompactOnStartup: compact})
	if err != nil {
		t.Fatalf("NewLocalStore(%q): %v", dir, err)
	}
	return s
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return strings.Count(string(data), "\n")
}

func TestLocalStoreReplaysLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestLocalStore(t, dir, false)
	seedComplete(t, s, "kept", "kept.bin", 10, 3)
	seedComplete(t, s, "dropped", "dropped.bin", 1)
	s.CreateFile(ctx, CreateRequest{ID: "partial"})
	s.AppendPart(ctx, "partial", part(0, 4))
	if err := s.DeleteFile(ctx, "dropped"); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened := newTestLocalStore(t, dir, false)
	defer reopened.Close()

	f, err := reopened.GetManifest(ctx, "kept")
	if err != nil {
		t.Fatalf("GetManifest after reopen: %v", err)
	}
	if !f.Complete() || f.TotalSize != 13 || len(f.Parts) != 2 {
		t.Errorf("replayed manifest = %+v", f)
	}
	if _, err := reopened.GetManifest(ctx, "dropped"); err == nil {
		t.Error("deleted file reappeared after replay")
	}
	p, err := reopened.GetManifest(ctx, "partial")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != StateInProgress || len(p.Parts) != 1 {
		t.Errorf("partial manifest = %+v", p)
	}

	// Appends continue where the log left off.
	if err := reopened.AppendPart(ctx, "partial", part(1, 4)); err != nil {
		t.Errorf("AppendPart after reopen: %v", err)
	}
}

func TestLocalStoreCompactsOnStartup(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, localLogFile)

	s := newTestLocalStore(t, dir, false)
	seedComplete(t, s, "a", "a", 1, 1, 1)
	seedComplete(t, s, "b", "b", 1)
	s.DeleteFile(context.Background(), "b")
	s.Close()

	// create + 3 appends + complete for a, create + append + complete + delete for b.
	if n := countLines(t, logPath); n != 9 {
		t.Fatalf("log has %d lines before compaction, want 9", n)
	}

	compacted := newTestLocalStore(t, dir, true)
	defer compacted.Close()
	if n := countLines(t, logPath); n != 1 {
		t.Errorf("log has %d lines after compaction, want 1", n)
	}
	f, err := compacted.GetManifest(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Parts) != 3 || !f.Complete() {
		t.Errorf("compacted manifest = %+v", f)
	}
	if _, err := os.Stat(logPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temporary compaction file left behind")
	}
}

func TestLocalStoreSkipsTornLine(t *testing.T) {
	dir := t.TempDir()
	s := newTestLocalStore(t, dir, false)
	seedComplete(t, s, "a", "a", 2)
	s.Close()

	f, err := os.OpenFile(filepath.Join(dir, localLogFile), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"file","id":"b","data":{"id":`)
	f.Close()

	reopened := newTestLocalStore(t, dir, false)
	defer reopened.Close()
	if reopened.Len() != 1 {
		t.Errorf("Len = %d, want 1", reopened.Len())
	}
}

func TestLocalStoreAppendsAfterTornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := newTestLocalStore(t, dir, false)
	seedComplete(t, s, "a", "a", 2)
	s.Close()

	appendRaw(t, dir, `{"type":"file","id":"b","data":{"id":`)

	reopened := newTestLocalStore(t, dir, false)
	if _, err := reopened.CreateFile(ctx, CreateRequest{ID: "c", DisplayName: "c.bin"}); err != nil {
		t.Fatalf("CreateFile after torn tail: %v", err)
	}
	reopened.Close()

	again := newTestLocalStore(t, dir, false)
	defer again.Close()
	if _, err := again.GetManifest(ctx, "c"); err != nil {
		t.Errorf("record written after the torn tail was lost: %v", err)
	}
	if _, err := again.GetManifest(ctx, "a"); err != nil {
		t.Errorf("record before the torn tail was lost: %v", err)
	}
	if again.Len() != 2 {
		t.Errorf("Len = %d, want 2", again.Len())
	}
}

func TestLocalStoreKeepsUnterminatedLastEntry(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	appendRaw(t, dir, `{"type":"file","id":"a","data":{"id":"a","display_name":"a","parts":[]}}`)

	s := newTestLocalStore(t, dir, false)
	if _, err := s.GetManifest(ctx, "a"); err != nil {
		t.Fatalf("entry without trailing newline not replayed: %v", err)
	}
	if _, err := s.CreateFile(ctx, CreateRequest{ID: "b"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened := newTestLocalStore(t, dir, false)
	defer reopened.Close()
	for _, id := range []string{"a", "b"} {
		if _, err := reopened.GetManifest(ctx, id); err != nil {
			t.Errorf("GetManifest(%q) after reopen: %v", id, err)
		}
	}
	if n := countLines(t, filepath.Join(dir, localLogFile)); n != 2 {
		t.Errorf("log has %d lines, want 2", n)
	}
}

func TestLocalStoreRejectsCorruptMiddleLine(t *testing.T) {
	dir := t.TempDir()
	s := newTestLocalStore(t, dir, false)
	seedComplete(t, s, "a", "a", 2)
	s.Close()

	appendRaw(t, dir, "{not json}\n")

	s2 := newTestLocalStore(t, dir, false)
	if _, err := s2.CreateFile(context.Background(), CreateRequest{ID: "b"}); err != nil {
		t.Fatal(err)
	}
	s2.Close()

	// The torn line was cut off on the second open, so appending it again
	// followed by a good entry puts it in the middle.
	appendRaw(t, dir, "{not json}\n")
	appendRaw(t, dir, `{"type":"file","id":"c","data":{"id":"c","parts":[]}}`+"\n")
	if _, err := NewLocalStore(config.LocalManifestConfig{RootDir: dir}); err == nil {
		t.Error("corrupt line in the middle of the log should fail the open")
	}
}

func appendRaw(t *testing.T, dir, data string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, localLogFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(data); err != nil {
		t.Fatal(err)
	}
}

func TestLocalStoreClosed(t *testing.T) {
	s := newTestLocalStore(t, t.TempDir(), false)
	s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Error("Ping on a closed store should fail")
	}
	if _, err := s.CreateFile(context.Background(), CreateRequest{ID: "x"}); err == nil {
		t.Error("CreateFile on a closed store should fail")
	}
	if s.Len() != 0 {
		t.Error("failed mutation must not be applied")
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	seedComplete(t, s, "a", "a.bin", 6, 6, 1)
	s.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	f, err := reopened.GetManifest(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if f.TotalSize != 13 || len(f.Parts) != 3 || f.Parts[2].Size != 1 {
		t.Errorf("reopened manifest = %+v", f)
	}
}

func TestPebbleStorePersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")
	s, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	seedComplete(t, s, "a", "a.bin", 6, 2)
	s.Close()

	reopened, err := NewPebbleStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	f, err := reopened.GetManifest(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if f.TotalSize != 8 || len(f.Parts) != 2 || f.Parts[1].Checksum != part(1, 2).Checksum {
		t.Errorf("reopened manifest = %+v", f)
	}
	got, _ := Collect(reopened.ListFiles(context.Background(), Query{}))
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("listing after reopen = %v", got)
	}
}

func TestOpenEngines(t *testing.T) {
	dir := t.TempDir()
	cfg := config.ManifestConfig{
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "sub", "m.db")},
		Pebble: config.PebbleConfig{Dir: filepath.Join(dir, "pebble")},
		Local:  config.LocalManifestConfig{RootDir: filepath.Join(dir, "local")},
	}
	for _, engine := range []string{"sqlite", "pebble", "local", "memory"} {
		cfg.Engine = engine
		s, err := Open(context.Background(), cfg)
		if err != nil {
			t.Fatalf("Open(%q): %v", engine, err)
		}
		if err := s.Ping(context.Background()); err != nil {
			t.Errorf("%s Ping: %v", engine, err)
		}
		s.Close()
	}

	cfg.Engine = "etcd"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("unknown engine should fail")
	}
	cfg.Engine = "dynamodb"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Error("dynamodb without a table should fail")
	}
}

func TestValidate(t *testing.T) {
	good := &LogicalFile{ID: "ok", TotalSize: 15, Parts: []Part{part(0, 10), part(1, 5)}}
	if err := Validate(good, 10); err != nil {
		t.Errorf("Validate(good): %v", err)
	}

	tests := []struct {
		name string
		file *LogicalFile
		max  int64
	}{
		{"gap", &LogicalFile{ID: "x", TotalSize: 2, Parts: []Part{part(0, 1), part(2, 1)}}, 0},
		{"zero size", &LogicalFile{ID: "x", TotalSize: 0, Parts: []Part{part(0, 0)}}, 0},
		{"too big", &LogicalFile{ID: "x", TotalSize: 11, Parts: []Part{part(0, 11)}}, 10},
		{"no ref", &LogicalFile{ID: "x", TotalSize: 1, Parts: []Part{{Index: 0, Size: 1}}}, 0},
		{"bad id", &LogicalFile{ID: "", TotalSize: 0}, 0},
		{"sum", &LogicalFile{ID: "x", TotalSize: 3, Parts: []Part{part(0, 1)}}, 0},
	}
	for _, tt := range tests {
		if err := Validate(tt.file, tt.max); err == nil {
			t.Errorf("%s: expected an error", tt.name)
		}
	}
}
