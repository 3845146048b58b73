package bundle

import (
	"context"
	"regexp"
	"strings"

	"github.com/ggpktools/ggpk/internal/external"
	"golang.org/x/exp/slices"
)

// excludedLanguageSegments is the fixed set of case-insensitive path
// segment patterns filtered out when ExtractByPattern's
// excludeLanguages option is set (spec.md §6).
var excludedLanguageSegments = []string{
	"/french/", "/german/", "/japanese/", "/korean/", "/portuguese/",
	"/russian/", "/spanish/", "/thai/", "/traditional chinese/", "/simplified chinese/",
	".french.", ".german.", ".japanese.", ".korean.", ".portuguese.",
	".russian.", ".spanish.", ".thai.", ".traditional chinese.", ".simplified chinese.",
}

// isExcludedLanguagePath reports whether path contains any of the fixed
// language-exclusion segments, case-insensitively.
func isExcludedLanguagePath(path string) bool {
	lower := strings.ToLower(path)
	for _, seg := range excludedLanguageSegments {
		if strings.Contains(lower, seg) {
			return true
		}
	}
	return false
}

// Extractor runs bundle extraction through the delegated external
// utility (spec.md §4.B). It owns no decompression logic of its own.
type Extractor struct {
	Tool external.OozExtractor
}

// ListFilesResult mirrors external.ListFilesResult with paths sorted for
// deterministic callers.
type ListFilesResult = external.ListFilesResult

// ListFiles enumerates every logical path known to the archive's bundle
// index.
func (e Extractor) ListFiles(ctx context.Context, archivePath string) (*ListFilesResult, error) {
	res, err := e.Tool.ListFiles(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	slices.Sort(res.Paths)
	return res, nil
}

// ExtractResult mirrors external.ExtractResult.
type ExtractResult = external.ExtractResult

// ExtractByPaths extracts exactly the given logical paths.
func (e Extractor) ExtractByPaths(ctx context.Context, archivePath, outputDir string, paths []string, useRegex bool, progress external.ProgressFunc) (*ExtractResult, error) {
	return e.Tool.ExtractFiles(ctx, archivePath, outputDir, paths, useRegex, progress)
}

// ExtractByPattern extracts every logical path matching regex. When
// excludeLanguages is set, paths are first enumerated and filtered by
// both regex and the language-exclusion segment list, then delegated to
// ExtractByPaths (spec.md §4.B).
func (e Extractor) ExtractByPattern(ctx context.Context, archivePath, outputDir, pattern string, excludeLanguages bool, progress external.ProgressFunc) (*ExtractResult, error) {
	if !excludeLanguages {
		return e.Tool.ExtractFiles(ctx, archivePath, outputDir, []string{pattern}, true, progress)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	all, err := e.ListFiles(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, p := range all.Paths {
		if !re.MatchString(p) {
			continue
		}
		if isExcludedLanguagePath(p) {
			continue
		}
		matched = append(matched, p)
	}
	return e.Tool.ExtractFiles(ctx, archivePath, outputDir, matched, false, progress)
}
