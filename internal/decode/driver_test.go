package decode

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggpktools/ggpk/internal/datc64"
	"github.com/ggpktools/ggpk/internal/schema"
)

func writeSchema(t *testing.T, dir string, tables ...string) string {
	t.Helper()
	type col struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	type table struct {
		ValidFor int    `json:"validFor"`
		Name     string `json:"name"`
		Columns  []col  `json:"columns"`
	}
	doc := struct {
		Version   int     `json:"version"`
		CreatedAt int64   `json:"createdAt"`
		Tables    []table `json:"tables"`
	}{Version: 1}
	for _, name := range tables {
		doc.Tables = append(doc.Tables, table{
			ValidFor: 2,
			Name:     name,
			Columns:  []col{{Name: "id", Type: "i32"}},
		})
	}
	b, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(dir, "schema.json")
	if err := os.WriteFile(p, b, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeDatc64(t *testing.T, path string, rows int32) {
	t.Helper()
	var buf bytes.Buffer
	le32 := func(v int32) {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v))
		buf.Write(b)
	}
	le32(rows)
	for i := int32(0); i < rows; i++ {
		le32(i) // one i32 column, row size 4
	}
	for i := 0; i < 8; i++ {
		buf.WriteByte(0xBB)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestRunDecodesMatchingFiles(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	schemaPath := writeSchema(t, t.TempDir(), "monsters", "mods")

	writeDatc64(t, filepath.Join(inDir, "monsters.datc64"), 3)
	writeDatc64(t, filepath.Join(inDir, "mods.datc64"), 2)

	d := &Driver{}
	results, err := d.Run(context.Background(), inDir, outDir, schemaPath, Options{Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if !r.Success || r.Error != "" {
			t.Errorf("result for %s: %+v", r.Task.TableName, r)
		}
		if _, err := os.Stat(r.Task.OutputPath); err != nil {
			t.Errorf("output not written for %s: %v", r.Task.TableName, err)
		}
	}
}

func TestRunSkipsEmptyAndUnknown(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	schemaPath := writeSchema(t, t.TempDir(), "monsters")

	if err := os.WriteFile(filepath.Join(inDir, "empty.datc64"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	writeDatc64(t, filepath.Join(inDir, "unknowntable.datc64"), 1)

	d := &Driver{}
	results, err := d.Run(context.Background(), inDir, outDir, schemaPath, Options{Concurrency: 1})
	if err != nil {
		t.Fatal(err)
	}
	skipped := map[string]string{}
	for _, r := range results {
		skipped[r.Task.TableName] = r.Skipped
	}
	if skipped["empty"] != "empty" {
		t.Errorf("empty.datc64 skip reason = %q", skipped["empty"])
	}
	if skipped["unknowntable"] != "no schema" {
		t.Errorf("unknowntable.datc64 skip reason = %q", skipped["unknowntable"])
	}
}

func TestRunUsesCacheWhenOutputNewer(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	schemaPath := writeSchema(t, t.TempDir(), "monsters")
	writeDatc64(t, filepath.Join(inDir, "monsters.datc64"), 1)

	d := &Driver{}
	first, err := d.Run(context.Background(), inDir, outDir, schemaPath, Options{UseCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if first[0].Cached {
		t.Fatal("first run should not be cached")
	}

	// Touch the output further into the future so it is newer than the input.
	outPath := first[0].Task.OutputPath
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(outPath, future, future); err != nil {
		t.Fatal(err)
	}

	second, err := d.Run(context.Background(), inDir, outDir, schemaPath, Options{UseCache: true})
	if err != nil {
		t.Fatal(err)
	}
	if !second[0].Cached {
		t.Fatal("second run should have hit the cache")
	}
}

func TestRunFilterAndLimit(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	schemaPath := writeSchema(t, t.TempDir(), "monsters", "mods", "tags")
	writeDatc64(t, filepath.Join(inDir, "monsters.datc64"), 1)
	writeDatc64(t, filepath.Join(inDir, "mods.datc64"), 1)
	writeDatc64(t, filepath.Join(inDir, "tags.datc64"), 1)

	d := &Driver{}
	results, err := d.Run(context.Background(), inDir, outDir, schemaPath, Options{Filter: "^mo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("filtered results = %d, want 2 (monsters, mods)", len(results))
	}

	limited, err := d.Run(context.Background(), inDir, outDir, schemaPath, Options{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limited results = %d, want 1", len(limited))
	}
}

func TestPartitionCeilingEqual(t *testing.T) {
	tasks := make([]Task, 5)
	batches := partition(tasks, 2)
	if len(batches) != 2 || len(batches[0]) != 3 || len(batches[1]) != 2 {
		t.Fatalf("batches = %v", batches)
	}
}

func TestDecodeOneWritesValidJSON(t *testing.T) {
	inDir := t.TempDir()
	outDir := t.TempDir()
	schemaPath := writeSchema(t, t.TempDir(), "monsters")
	writeDatc64(t, filepath.Join(inDir, "monsters.datc64"), 2)

	sch, err := schema.Load(schemaPath, 0)
	if err != nil {
		t.Fatal(err)
	}
	task := Task{
		InputPath:  filepath.Join(inDir, "monsters.datc64"),
		OutputPath: filepath.Join(outDir, "monsters.json"),
		TableName:  "monsters",
	}
	res := decodeOne(task, sch, false)
	if !res.Success || res.Rows != 2 {
		t.Fatalf("decodeOne result = %+v", res)
	}
	b, err := os.ReadFile(task.OutputPath)
	if err != nil {
		t.Fatal(err)
	}
	var tbl datc64.Table
	if err := json.Unmarshal(b, &tbl); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if tbl.RowCount != 2 {
		t.Errorf("decoded RowCount = %d, want 2", tbl.RowCount)
	}
}
