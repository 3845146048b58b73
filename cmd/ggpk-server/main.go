// Command ggpk-server runs the HTTP query surface described in
// spec.md §4.F: status, browse, search, folders, file preview, extract
// and cleanup, for a directory of already-extracted game assets.
package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/ggpktools/ggpk/config"
	"github.com/ggpktools/ggpk/internal/bundle"
	"github.com/ggpktools/ggpk/internal/external"
	"github.com/ggpktools/ggpk/internal/pipeline"
	"github.com/ggpktools/ggpk/internal/schema"
	"github.com/ggpktools/ggpk/internal/server"
	"github.com/ggpktools/ggpk/internal/server/filecache"
)

func logic(configPath, listen string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var sch *schema.Schema
	if s, err := schema.Load(cfg.SchemaPath, 0); err != nil {
		log.Printf("schema not loaded from %s: %v (file previews will fall back to hex)", cfg.SchemaPath, err)
	} else {
		sch = s
	}

	outputDir := config.AbsOutputDir(cfg, configPath)
	idx, err := filecache.LoadOrScan(cfg.CacheDir+"/index.cache.gz", outputDir, time.Now().Unix())
	if err != nil {
		return err
	}
	cat := server.NewCatalogue(idx)

	extractor := bundle.Extractor{Tool: external.OozExtractor{BinaryPath: cfg.Tools.Ooz}}
	converter := external.DDSConverter{BinaryPath: cfg.Tools.LibGGPK3, Format: cfg.Conversion.DDS.Format}
	pl := pipeline.Pipeline{Extractor: extractor, Converter: converter, Schema: sch}

	srv := server.New(cfg, configPath, sch, cat, pl, converter)

	log.Printf("ggpk-server listening on %s, serving %s", listen, outputDir)
	return http.ListenAndServe(listen, srv.Mux())
}

func main() {
	var (
		configPath = flag.String("config", "config.json", "path to the JSON configuration document")
		listen     = flag.String("listen", "localhost:8048", "[host]:port to listen on")
	)
	flag.Parse()
	if err := logic(*configPath, *listen); err != nil {
		log.Fatal(err)
	}
}
