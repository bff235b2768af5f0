package probe

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProbeDataFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "STUDY1-SUB1-ASMT1-day1to5.csv", "day,score\n1,10\n")

	p, err := Probe(path)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected probe")
	}
	if p.Identity.Role != RoleData {
		t.Errorf("role = %v", p.Identity.Role)
	}
	if p.Size != int64(len("day,score\n1,10\n")) {
		t.Errorf("size = %d", p.Size)
	}
	if p.Mtime == 0 {
		t.Error("mtime not populated")
	}
	if !p.Dirty || p.Synced {
		t.Errorf("fresh probe must be dirty and unsynced, got dirty=%v synced=%v", p.Dirty, p.Synced)
	}
	if p.Glob != filepath.Join(dir, "STUDY1-SUB1-ASMT1-day*.csv") {
		t.Errorf("glob = %q", p.Glob)
	}
	if p.Filetype != "text/csv" {
		t.Errorf("filetype = %q", p.Filetype)
	}
	if p.Basename != "STUDY1-SUB1-ASMT1-day1to5.csv" || p.Dirname != dir {
		t.Errorf("basename=%q dirname=%q", p.Basename, p.Dirname)
	}
}

func TestProbeMetadataFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "STUDY1_metadata.csv", "Subject ID,Consent\nSUB1,1\n")

	p, err := Probe(path)
	if err != nil {
		t.Fatal(err)
	}
	if p == nil {
		t.Fatal("expected probe")
	}
	if p.Identity.Role != RoleMetadata {
		t.Errorf("role = %v", p.Identity.Role)
	}
	// Metadata files are not windowed: the glob is the literal path.
	if p.Glob != path {
		t.Errorf("glob = %q, want %q", p.Glob, path)
	}
}

func TestProbeNotOurs(t *testing.T) {
	dir := t.TempDir()

	// Missing file: soft nil.
	p, err := Probe(filepath.Join(dir, "nope.csv"))
	if err != nil || p != nil {
		t.Errorf("missing file: probe=%v err=%v", p, err)
	}

	// Existing file that matches neither grammar: soft nil.
	path := writeFile(t, dir, "README.md", "hello")
	p, err = Probe(path)
	if err != nil || p != nil {
		t.Errorf("unmatched file: probe=%v err=%v", p, err)
	}
}
