package server

import (
	"sort"
	"strings"
	"sync"

	"github.com/ggpktools/ggpk/internal/server/filecache"
)

// Catalogue is the in-memory file index the query surface browses and
// searches (spec.md §4.F `browse`/`search`/`folders`). It is rebuilt
// wholesale from a filecache.Index; handlers only ever read it under a
// shared lock, matching the cooperative single-threaded request model
// (spec.md §5).
type Catalogue struct {
	mu sync.RWMutex

	version  int64
	byFolder map[string][]filecache.Entry
	children map[string]map[string]bool // folder -> immediate subfolder names
}

// NewCatalogue builds a Catalogue from a freshly scanned or loaded Index.
func NewCatalogue(idx *filecache.Index) *Catalogue {
	c := &Catalogue{
		byFolder: make(map[string][]filecache.Entry),
		children: make(map[string]map[string]bool),
	}
	c.reset(idx)
	return c
}

// Rebuild replaces the Catalogue's contents with a fresh Index.
func (c *Catalogue) Rebuild(idx *filecache.Index) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset(idx)
}

func (c *Catalogue) reset(idx *filecache.Index) {
	c.version = idx.Version
	c.byFolder = make(map[string][]filecache.Entry)
	c.children = make(map[string]map[string]bool)

	registerFolder := func(folder string) {
		for folder != "" {
			parent := ""
			if i := strings.LastIndex(folder, "/"); i >= 0 {
				parent = folder[:i]
			}
			name := folder
			if i := strings.LastIndex(folder, "/"); i >= 0 {
				name = folder[i+1:]
			}
			if c.children[parent] == nil {
				c.children[parent] = make(map[string]bool)
			}
			c.children[parent][name] = true
			folder = parent
		}
	}

	for _, e := range idx.Entries {
		c.byFolder[e.Folder] = append(c.byFolder[e.Folder], e)
		registerFolder(e.Folder)
	}
}

// Version reports the Index version this Catalogue was last built from.
func (c *Catalogue) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// FileCount returns the total number of indexed files.
func (c *Catalogue) FileCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, files := range c.byFolder {
		n += len(files)
	}
	return n
}

func matchesType(e filecache.Entry, typ string) bool {
	if typ == "" {
		return true
	}
	return strings.HasSuffix(strings.ToLower(e.Name), "."+strings.ToLower(typ))
}

// BrowseResult is the shape of `browse`'s response.
type BrowseResult struct {
	Folder     string             `json:"folder"`
	Files      []filecache.Entry  `json:"files"`
	Subfolders []string           `json:"subfolders"`
	Total      int                `json:"total"`
	Page       int                `json:"page"`
	PerPage    int                `json:"perPage"`
	HasMore    bool               `json:"hasMore"`
}

// Browse returns the direct children of folder: files matching typ (if
// set) and immediate subfolder names, paginated (spec.md §4.F `browse`).
func (c *Catalogue) Browse(folder string, page, perPage int, typ string) BrowseResult {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 50
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var matched []filecache.Entry
	for _, e := range c.byFolder[folder] {
		if matchesType(e, typ) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })

	total := len(matched)
	start := (page - 1) * perPage
	if start > total {
		start = total
	}
	end := start + perPage
	if end > total {
		end = total
	}

	var subfolders []string
	for name := range c.children[folder] {
		subfolders = append(subfolders, name)
	}
	sort.Strings(subfolders)

	return BrowseResult{
		Folder:     folder,
		Files:      matched[start:end],
		Subfolders: subfolders,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		HasMore:    end < total,
	}
}

// Search performs a case-insensitive substring search over both name
// and folder (spec.md §4.F `search`). Queries shorter than two
// characters always return no results.
func (c *Catalogue) Search(q, typ string, limit int) []filecache.Entry {
	if len(q) < 2 {
		return nil
	}
	if limit <= 0 {
		limit = 50
	}
	needle := strings.ToLower(q)

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []filecache.Entry
	for _, files := range c.byFolder {
		for _, e := range files {
			if !matchesType(e, typ) {
				continue
			}
			if !strings.Contains(strings.ToLower(e.Name), needle) && !strings.Contains(strings.ToLower(e.Folder), needle) {
				continue
			}
			out = append(out, e)
			if len(out) >= limit {
				sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
				return out
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// FolderNode is one node of the tree `folders` returns.
type FolderNode struct {
	Name      string        `json:"name"`
	Path      string        `json:"path"`
	FileCount int           `json:"fileCount"`
	Children  []*FolderNode `json:"children"`
}

// Folders returns the full derived folder tree rooted at "", with each
// node's total file count (files directly inside it plus every
// descendant's files).
func (c *Catalogue) Folders() *FolderNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.buildNode("", "")
}

func (c *Catalogue) buildNode(path, name string) *FolderNode {
	node := &FolderNode{Name: name, Path: path, FileCount: len(c.byFolder[path])}
	var childNames []string
	for n := range c.children[path] {
		childNames = append(childNames, n)
	}
	sort.Strings(childNames)
	for _, n := range childNames {
		childPath := n
		if path != "" {
			childPath = path + "/" + n
		}
		child := c.buildNode(childPath, n)
		node.Children = append(node.Children, child)
		node.FileCount += child.FileCount
	}
	return node
}
