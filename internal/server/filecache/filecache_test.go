package filecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestScanFindsFilesUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "art", "2dart"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "art", "2dart", "icon.dds"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "monsters.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}

	idx, err := Scan(root, 1)
	if err != nil {
		t.Fatal(err)
	}
	if idx.Version != 1 {
		t.Errorf("Version = %d", idx.Version)
	}
	if len(idx.Entries) != 2 {
		t.Fatalf("Entries = %+v", idx.Entries)
	}
	var gotFolder string
	for _, e := range idx.Entries {
		if e.Name == "icon.dds" {
			gotFolder = e.Folder
		}
	}
	if gotFolder != "art/2dart" {
		t.Errorf("Folder = %q, want art/2dart", gotFolder)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	idx, err := Scan(root, 42)
	if err != nil {
		t.Fatal(err)
	}
	cachePath := filepath.Join(t.TempDir(), "index.cache.gz")
	if err := Save(idx, cachePath); err != nil {
		t.Fatal(err)
	}
	got, err := Load(cachePath)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(idx, got); diff != "" {
		t.Errorf("round-trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOrScanRescansOnVersionMismatch(t *testing.T) {
	root := t.TempDir()
	cachePath := filepath.Join(t.TempDir(), "index.cache.gz")

	idx1, err := LoadOrScan(cachePath, root, 1)
	if err != nil {
		t.Fatal(err)
	}
	if idx1.Version != 1 {
		t.Fatalf("Version = %d", idx1.Version)
	}

	if err := os.WriteFile(filepath.Join(root, "new.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	idx2, err := LoadOrScan(cachePath, root, 2)
	if err != nil {
		t.Fatal(err)
	}
	if idx2.Version != 2 || len(idx2.Entries) != 1 {
		t.Errorf("idx2 = %+v", idx2)
	}
}
