// Package filecache persists the backend's file-index scan to disk,
// keyed by a version integer (spec.md §6 "Persisted state").
package filecache

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// Entry describes one file discovered under the extracted-output root.
type Entry struct {
	Path    string    `json:"path"` // slash-separated, relative to the scan root
	Folder  string    `json:"folder"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Index is the full persisted scan result.
type Index struct {
	Version int64   `json:"version"`
	Root    string  `json:"root"`
	Entries []Entry `json:"entries"`
}

// Scan walks root and builds a fresh Index, stamping it with version.
func Scan(root string, version int64) (*Index, error) {
	idx := &Index{Version: version, Root: root}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		folder := ""
		if i := strings.LastIndex(rel, "/"); i >= 0 {
			folder = rel[:i]
		}
		idx.Entries = append(idx.Entries, Entry{
			Path:    rel,
			Folder:  folder,
			Name:    d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("filecache: scanning %s: %w", root, err)
	}
	return idx, nil
}

// Save gzip-compresses idx as JSON and writes it to path, the same way
// the teacher compresses bulk initrd data with klauspost/pgzip.
func Save(idx *Index, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Errorf("filecache: create %s: %w", path, err)
	}
	defer f.Close()

	zw := pgzip.NewWriter(f)
	if err := json.NewEncoder(zw).Encode(idx); err != nil {
		return xerrors.Errorf("filecache: encode %s: %w", path, err)
	}
	return zw.Close()
}

// Load reads and decompresses an Index previously written by Save. It
// does not check the stored Version; LoadOrScan does.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("filecache: open %s: %w", path, err)
	}
	defer f.Close()

	zr, err := pgzip.NewReader(f)
	if err != nil {
		return nil, xerrors.Errorf("filecache: gzip reader %s: %w", path, err)
	}
	defer zr.Close()

	var idx Index
	if err := json.NewDecoder(zr).Decode(&idx); err != nil {
		return nil, xerrors.Errorf("filecache: decode %s: %w", path, err)
	}
	return &idx, nil
}

// LoadOrScan returns the cached Index at path if its Version matches,
// otherwise rescans root, persists, and returns the fresh Index.
func LoadOrScan(path, root string, version int64) (*Index, error) {
	if cached, err := Load(path); err == nil && cached.Version == version {
		return cached, nil
	}
	idx, err := Scan(root, version)
	if err != nil {
		return nil, err
	}
	if err := Save(idx, path); err != nil {
		return nil, err
	}
	return idx, nil
}
