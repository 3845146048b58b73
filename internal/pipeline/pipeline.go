// Package pipeline orchestrates the end-to-end extraction flow: bundle
// extraction, DDS conversion, table decoding and cleanup (spec.md §4.E).
package pipeline

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ggpktools/ggpk/internal/bundle"
	"github.com/ggpktools/ggpk/internal/datc64"
	"github.com/ggpktools/ggpk/internal/external"
	"github.com/ggpktools/ggpk/internal/schema"
	"golang.org/x/xerrors"
)

// Presets maps a preset name to the regex pattern it expands to
// (spec.md §4.E "Presets").
var Presets = map[string]string{
	"all":      `.*`,
	"data":     `.*\.datc?64$`,
	"textures": `.*\.dds$`,
	"audio":    `.*\.(ogg|wav)$`,
	"ui":       `^art/2dart/.*`,
	"items":    `^art/2ditems/.*`,
	"skills":   `^art/2dart/skillicons/.*`,
	"passives": `^art/2dart/skillicons/passives/.*`,
}

// ResolvePattern returns pattern itself unless it names a known preset,
// in which case the preset's expansion is returned.
func ResolvePattern(patternOrPreset string) string {
	if p, ok := Presets[patternOrPreset]; ok {
		return p
	}
	return patternOrPreset
}

// ImageMetrics counts DDS conversion outcomes.
type ImageMetrics struct {
	Converted int `json:"converted"`
	Failed    int `json:"failed"`
}

// DataMetrics counts table-decode outcomes.
type DataMetrics struct {
	Parsed int `json:"parsed"`
	Failed int `json:"failed"`
}

// Metrics is the result returned by one Run (spec.md §4.E).
type Metrics struct {
	Extracted int          `json:"extracted"`
	Images    ImageMetrics `json:"images"`
	Data      DataMetrics  `json:"data"`
	ElapsedMS int64        `json:"elapsed_ms"`
}

// Options configures one pipeline Run.
type Options struct {
	ExcludeLanguages bool // zero value false; the server's extract handler passes true unless the request overrides it
	ConvertImages    bool // default false
	DDSFormat        string
	Progress         external.ProgressFunc
}

// Pipeline wires the bundle extractor, DDS converter and table decoder
// into the orchestration described in spec.md §4.E.
type Pipeline struct {
	Extractor bundle.Extractor
	Converter external.DDSConverter
	Schema    *schema.Schema
}

// Run extracts everything matching pattern (a regex or a Presets key)
// from archivePath into outputDir, then converts images and decodes
// tables found under outputDir. Any single file's failure is counted,
// never aborts the run.
func (p Pipeline) Run(ctx context.Context, archivePath, outputDir, pattern string, opts Options) (Metrics, error) {
	start := time.Now()
	var m Metrics

	excludeLanguages := opts.ExcludeLanguages
	resolved := ResolvePattern(pattern)

	extractRes, err := p.Extractor.ExtractByPattern(ctx, archivePath, outputDir, resolved, excludeLanguages, opts.Progress)
	if err != nil {
		return m, xerrors.Errorf("pipeline: bundle extraction: %w", err)
	}
	m.Extracted = extractRes.Extracted

	ddsFiles, tableFiles, err := scanOutputs(outputDir)
	if err != nil {
		return m, xerrors.Errorf("pipeline: scanning %s: %w", outputDir, err)
	}

	if opts.ConvertImages {
		for _, src := range ddsFiles {
			if err := ctx.Err(); err != nil {
				return m, err
			}
			dst := strings.TrimSuffix(src, filepath.Ext(src)) + "." + formatExt(p.Converter.Format)
			if err := p.Converter.Convert(ctx, src, dst, external.ConvertTimeout); err != nil {
				m.Images.Failed++
				continue
			}
			m.Images.Converted++
			_ = os.Remove(src)
		}
	}

	for _, path := range tableFiles {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		if !decodeTableFile(p.Schema, path) {
			m.Data.Failed++
			continue
		}
		m.Data.Parsed++
	}

	m.ElapsedMS = time.Since(start).Milliseconds()
	return m, nil
}

// decodeTableFile decodes path via internal/datc64, writes a sibling
// JSON file, and removes the binary on success. Returns false on any
// failure (unreadable file, decode error, write failure), in which case
// the source file is left untouched.
func decodeTableFile(sch *schema.Schema, path string) bool {
	buf, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	tbl := datc64.Decode(sch, filepath.Base(path), buf)
	if tbl.Error != "" {
		return false
	}
	out, err := json.Marshal(tbl)
	if err != nil {
		return false
	}
	jsonPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
	if err := os.WriteFile(jsonPath, out, 0644); err != nil {
		return false
	}
	return os.Remove(path) == nil
}

// scanOutputs recursively finds every .dds and .datc*64 file under dir.
func scanOutputs(dir string) (dds, tables []string, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		lower := strings.ToLower(d.Name())
		switch {
		case strings.HasSuffix(lower, ".dds"):
			dds = append(dds, p)
		case isTableFile(lower):
			tables = append(tables, p)
		}
		return nil
	})
	return dds, tables, err
}

func isTableFile(lowerName string) bool {
	for _, ext := range []string{".datc64", ".datc", ".dat64", ".dat"} {
		if strings.HasSuffix(lowerName, ext) {
			return true
		}
	}
	return false
}

func formatExt(format string) string {
	if format == "" {
		return "png"
	}
	return format
}

// Cleanup sweeps dir, deleting any .dds whose sibling .<format>
// already exists and any table-extension file whose sibling .json
// already exists (spec.md §4.E "standalone cleanup routine").
func Cleanup(dir, imageFormat string) (removed int, err error) {
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		lower := strings.ToLower(d.Name())
		base := strings.TrimSuffix(p, filepath.Ext(p))
		switch {
		case strings.HasSuffix(lower, ".dds"):
			sibling := base + "." + formatExt(imageFormat)
			if _, statErr := os.Stat(sibling); statErr == nil {
				if os.Remove(p) == nil {
					removed++
				}
			}
		case isTableFile(lower):
			sibling := base + ".json"
			if _, statErr := os.Stat(sibling); statErr == nil {
				if os.Remove(p) == nil {
					removed++
				}
			}
		}
		return nil
	})
	if err != nil {
		return removed, xerrors.Errorf("pipeline: cleanup sweep of %s: %w", dir, err)
	}
	return removed, nil
}
