package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ggpktools/ggpk/config"
	"github.com/ggpktools/ggpk/internal/external"
	"github.com/ggpktools/ggpk/internal/pipeline"
	"github.com/ggpktools/ggpk/internal/server/filecache"
)

func testServer(t *testing.T) (*Server, string) {
	t.Helper()
	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outDir, "monsters.json"), []byte(`{"table_name":"monsters"}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"poe2Path":"/games/poe2","outputDir":"`+outDir+`"}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := filecache.Scan(outDir, 1)
	if err != nil {
		t.Fatal(err)
	}
	cat := NewCatalogue(idx)
	srv := New(cfg, cfgPath, nil, cat, pipeline.Pipeline{}, external.DDSConverter{})
	return srv, outDir
}

func TestStatusHandler(t *testing.T) {
	outDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outDir, "a.json"), []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"poe2Path":"/games/poe2","outputDir":"`+outDir+`"}`), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := filecache.Scan(outDir, 7)
	if err != nil {
		t.Fatal(err)
	}
	cat := NewCatalogue(idx)
	srv := New(cfg, cfgPath, nil, cat, pipeline.Pipeline{}, external.DDSConverter{})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp statusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Config.PoE2Path != "/games/poe2" {
		t.Errorf("PoE2Path = %q", resp.Config.PoE2Path)
	}
	if resp.Extracted.FileCount != 1 {
		t.Errorf("Extracted.FileCount = %d", resp.Extracted.FileCount)
	}
	if resp.IndexTimestamp != 7 {
		t.Errorf("IndexTimestamp = %d", resp.IndexTimestamp)
	}
}

func TestBrowseHandlerReturnsJSON(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/browse?folder=&perPage=10", nil)
	w := httptest.NewRecorder()
	srv.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res BrowseResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Files) != 1 {
		t.Errorf("files = %v", res.Files)
	}
}

func TestFileHandlerRejectsPathTraversal(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/file?path=../../etc/passwd", nil)
	w := httptest.NewRecorder()
	srv.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %s", w.Code, w.Body.String())
	}
}

func TestFileHandlerServesJSONPassthrough(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/file?path=monsters.json", nil)
	w := httptest.NewRecorder()
	srv.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestCleanupHandlerRequiresPost(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/cleanup", nil)
	w := httptest.NewRecorder()
	srv.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOperationHandlerUnknownID(t *testing.T) {
	srv, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/operation/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestExtractHandlerStartsAnOperation(t *testing.T) {
	srv, _ := testServer(t)
	body := bytes.NewBufferString(`{"archivePath":"/dev/null","pattern":"all"}`)
	req := httptest.NewRequest(http.MethodPost, "/extract", body)
	w := httptest.NewRecorder()
	srv.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["operationId"] == "" {
		t.Error("expected a non-empty operationId")
	}
}
