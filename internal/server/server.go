// Package server implements the HTTP query surface the asset-browser
// GUI consumes (spec.md §4.F): status, browse, search, folders, file
// preview, extract and cleanup, all behind a JSON `{error}` failure
// contract.
package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggpktools/ggpk/config"
	"github.com/ggpktools/ggpk/internal/bundle"
	"github.com/ggpktools/ggpk/internal/datc64"
	"github.com/ggpktools/ggpk/internal/external"
	"github.com/ggpktools/ggpk/internal/pipeline"
	"github.com/ggpktools/ggpk/internal/schema"
	"github.com/ggpktools/ggpk/internal/server/filecache"
)

// httpError carries an explicit status code through errHandlerFunc,
// falling back to 500 for plain errors.
type httpError struct {
	code int
	err  error
}

func (e *httpError) Error() string { return e.err.Error() }

func badRequest(err error) error { return &httpError{http.StatusBadRequest, err} }
func notFound(err error) error   { return &httpError{http.StatusNotFound, err} }

// errHandlerFunc wraps a handler that may fail, translating the error
// into a JSON `{error}` body (spec.md §4.F / §6 "Backend HTTP
// surface"), the JSON analogue of the teacher's errHandlerFunc in
// cmd/distri-repobrowser/repobrowser.go.
func errHandlerFunc(h func(w http.ResponseWriter, r *http.Request) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			code := http.StatusInternalServerError
			if he, ok := err.(*httpError); ok {
				code = he.code
			}
			log.Printf("HTTP serving error: %v", err)
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(code)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		}
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	return json.NewEncoder(w).Encode(v)
}

// Server holds every piece of backend state: the file catalogue, the
// schema, an optional bundle index, and the operations/preview caches.
// One Server instance is shared by all handlers; net/http may run
// handlers concurrently, and the catalogue, operations table and
// preview cache each guard themselves with their own mutex.
type Server struct {
	Cfg         *config.Config
	ConfigPath  string
	OutputDir   string
	Schema      *schema.Schema
	Catalogue   *Catalogue
	Pipeline    pipeline.Pipeline
	Converter   external.DDSConverter
	BundleIndex *bundle.Index // no handler sets it; status reports ggpk as null while it is nil

	ops      *operationTable
	ddsCache *ddsCache
}

// New constructs a Server ready to be mounted on a mux.
func New(cfg *config.Config, configPath string, sch *schema.Schema, cat *Catalogue, pl pipeline.Pipeline, conv external.DDSConverter) *Server {
	return &Server{
		Cfg:        cfg,
		ConfigPath: configPath,
		OutputDir:  config.AbsOutputDir(cfg, configPath),
		Schema:     sch,
		Catalogue:  cat,
		Pipeline:   pl,
		Converter:  conv,
		ops:        newOperationTable(),
		ddsCache:   newDDSCache(100),
	}
}

// Mux builds the HTTP surface described in spec.md §4.F.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/status", errHandlerFunc(s.handleStatus))
	mux.Handle("/rebuild-index", errHandlerFunc(s.handleRebuildIndex))
	mux.Handle("/browse", errHandlerFunc(s.handleBrowse))
	mux.Handle("/search", errHandlerFunc(s.handleSearch))
	mux.Handle("/folders", errHandlerFunc(s.handleFolders))
	mux.Handle("/file", errHandlerFunc(s.handleFile))
	mux.Handle("/extract", errHandlerFunc(s.handleExtract))
	mux.Handle("/operation/", errHandlerFunc(s.handleOperation))
	mux.Handle("/cleanup", errHandlerFunc(s.handleCleanup))
	mux.Handle("/export-json", errHandlerFunc(s.handleExportJSON))
	return mux
}

type ggpkStatus struct {
	BundleCount int `json:"bundleCount"`
	FileCount   int `json:"fileCount"`
}

type extractedStatus struct {
	FileCount int `json:"fileCount"`
}

type schemaStatus struct {
	Exists     bool  `json:"exists"`
	CreatedAt  int64 `json:"createdAt"`
	TableCount int   `json:"tableCount"`
	Version    int   `json:"version"`
}

type statusResponse struct {
	Config struct {
		PoE2Path string `json:"poe2Path"`
	} `json:"config"`
	GGPK           *ggpkStatus     `json:"ggpk"`
	Extracted      extractedStatus `json:"extracted"`
	IndexTimestamp int64           `json:"indexTimestamp"`
	Schema         schemaStatus    `json:"schema"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	var resp statusResponse
	resp.Config.PoE2Path = s.Cfg.PoE2Path
	if s.BundleIndex != nil {
		resp.GGPK = &ggpkStatus{BundleCount: len(s.BundleIndex.Bundles), FileCount: len(s.BundleIndex.Files)}
	}
	resp.Extracted = extractedStatus{FileCount: s.Catalogue.FileCount()}
	resp.IndexTimestamp = s.Catalogue.Version()
	if s.Schema != nil {
		resp.Schema = schemaStatus{
			Exists:     true,
			CreatedAt:  s.Schema.Doc.CreatedAt,
			TableCount: s.Schema.TableCount(),
			Version:    s.Schema.Doc.Version,
		}
	}
	return writeJSON(w, resp)
}

func (s *Server) rescan() error {
	idx, err := filecache.Scan(s.OutputDir, time.Now().Unix())
	if err != nil {
		return err
	}
	s.Catalogue.Rebuild(idx)
	return nil
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) error {
	if err := s.rescan(); err != nil {
		return err
	}
	return writeJSON(w, map[string]int64{"indexTimestamp": s.Catalogue.Version()})
}

func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))
	res := s.Catalogue.Browse(q.Get("folder"), page, perPage, q.Get("type"))
	return writeJSON(w, res)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	res := s.Catalogue.Search(q.Get("q"), q.Get("type"), limit)
	return writeJSON(w, map[string]interface{}{"results": res})
}

func (s *Server) handleFolders(w http.ResponseWriter, r *http.Request) error {
	return writeJSON(w, s.Catalogue.Folders())
}

// safeJoin resolves rel under root, rejecting any path that would
// escape it (spec.md doesn't name this explicitly, but `file?path=`
// takes client-supplied input and must not allow directory traversal).
func safeJoin(root, rel string) (string, error) {
	root = filepath.Clean(root)
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", os.ErrPermission
	}
	return full, nil
}

func mimeForExt(ext string) string {
	switch ext {
	case ".json":
		return "application/json"
	case ".ogg":
		return "audio/ogg"
	case ".wav":
		return "audio/wav"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) error {
	rel := r.URL.Query().Get("path")
	if rel == "" {
		return badRequest(os.ErrInvalid)
	}
	full, err := safeJoin(s.OutputDir, rel)
	if err != nil {
		return badRequest(err)
	}
	ext := strings.ToLower(filepath.Ext(full))

	switch ext {
	case ".dds":
		return s.serveDDSPreview(w, r.Context(), full)
	case ".datc64", ".dat", ".datc", ".dat64":
		return s.serveTableFile(w, full)
	default:
		b, err := os.ReadFile(full)
		if err != nil {
			return notFound(err)
		}
		w.Header().Set("Content-Type", mimeForExt(ext))
		_, err = w.Write(b)
		return err
	}
}

func (s *Server) serveDDSPreview(w http.ResponseWriter, ctx context.Context, full string) error {
	data, err := s.ddsCache.Get(ctx, full, func(ctx context.Context) ([]byte, error) {
		dst := full + ".preview.png"
		if err := s.Converter.Convert(ctx, full, dst, external.PreviewTimeout); err != nil {
			return nil, err
		}
		defer os.Remove(dst)
		return os.ReadFile(dst)
	})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "image/png")
	_, err = w.Write(data)
	return err
}

func (s *Server) serveTableFile(w http.ResponseWriter, full string) error {
	buf, err := os.ReadFile(full)
	if err != nil {
		return notFound(err)
	}
	if s.Schema == nil {
		return writeJSON(w, map[string]string{"hexPreview": hexPreview(buf)})
	}
	tbl := datc64.Decode(s.Schema, filepath.Base(full), buf)
	if tbl.Error != "" {
		return writeJSON(w, map[string]string{"hexPreview": hexPreview(buf)})
	}
	return writeJSON(w, tbl)
}

func hexPreview(buf []byte) string {
	const maxBytes = 512
	if len(buf) > maxBytes {
		buf = buf[:maxBytes]
	}
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(buf)*2)
	for _, b := range buf {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

type extractRequest struct {
	ArchivePath      string `json:"archivePath"`
	Pattern          string `json:"pattern"`
	ExcludeLanguages *bool  `json:"excludeLanguages"`
	ConvertImages    bool   `json:"convertImages"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return badRequest(os.ErrInvalid)
	}
	var req extractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return badRequest(err)
	}
	excludeLanguages := true
	if req.ExcludeLanguages != nil {
		excludeLanguages = *req.ExcludeLanguages
	}

	id := s.ops.Start("extract")
	go func() {
		opts := pipeline.Options{
			ExcludeLanguages: excludeLanguages,
			ConvertImages:    req.ConvertImages,
			DDSFormat:        s.Cfg.Conversion.DDS.Format,
			Progress: func(completed int, _ string) {
				s.ops.SetProgress(id, completed)
			},
		}
		m, err := s.Pipeline.Run(context.Background(), req.ArchivePath, s.OutputDir, req.Pattern, opts)
		s.ops.Finish(id, m, err)
		if err == nil {
			_ = s.rescan()
		}
	}()
	return writeJSON(w, map[string]string{"operationId": id})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) error {
	id := strings.TrimPrefix(r.URL.Path, "/operation/")
	op, ok := s.ops.Get(id)
	if !ok {
		return notFound(os.ErrNotExist)
	}
	return writeJSON(w, op)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return badRequest(os.ErrInvalid)
	}
	removed, err := pipeline.Cleanup(s.OutputDir, s.Cfg.Conversion.DDS.Format)
	if err != nil {
		return err
	}
	if err := s.rescan(); err != nil {
		return err
	}
	return writeJSON(w, map[string]int{"removed": removed})
}

type exportJSONRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodPost {
		return badRequest(os.ErrInvalid)
	}
	var req exportJSONRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return badRequest(err)
	}
	full, err := safeJoin(s.OutputDir, req.Path)
	if err != nil {
		return badRequest(err)
	}
	if s.Schema == nil {
		return badRequest(os.ErrInvalid)
	}
	buf, err := os.ReadFile(full)
	if err != nil {
		return notFound(err)
	}
	tbl := datc64.Decode(s.Schema, filepath.Base(full), buf)
	out, err := json.Marshal(tbl)
	if err != nil {
		return err
	}
	jsonPath := strings.TrimSuffix(full, filepath.Ext(full)) + ".json"
	if err := os.WriteFile(jsonPath, out, 0644); err != nil {
		return err
	}
	if err := s.rescan(); err != nil {
		return err
	}
	return writeJSON(w, map[string]string{"written": jsonPath})
}
