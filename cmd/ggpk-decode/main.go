// Command ggpk-decode runs the parallel table-decode driver
// (internal/decode) over a directory of .datc64 files.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ggpktools/ggpk/internal/decode"
	"github.com/mattn/go-isatty"
)

func logic(inputDir, outputDir, schemaPath, filter string, limit, concurrency int, useCache bool) error {
	tty := isatty.IsTerminal(os.Stdout.Fd())
	d := &decode.Driver{
		Log: log.New(os.Stderr, "ggpk-decode: ", log.LstdFlags),
		Progress: func(ev decode.ProgressEvent) {
			if !tty || !ev.Starting {
				return
			}
			marker := ""
			if ev.Slow {
				marker = " [SLOW]"
			}
			fmt.Fprintf(os.Stderr, "\rworker %d: %s%s", ev.WorkerID, ev.TableName, marker)
		},
	}

	results, err := d.Run(context.Background(), inputDir, outputDir, schemaPath, decode.Options{
		Filter:      filter,
		Limit:       limit,
		Concurrency: concurrency,
		UseCache:    useCache,
	})
	if err != nil {
		return err
	}
	if tty {
		fmt.Fprintln(os.Stderr)
	}

	var decoded, cached, skipped, failed int
	for _, r := range results {
		switch {
		case r.Error != "":
			failed++
			log.Printf("%s: %s", r.Task.TableName, r.Error)
		case r.Skipped != "":
			skipped++
		case r.Cached:
			cached++
		default:
			decoded++
		}
	}
	log.Printf("decoded=%d cached=%d skipped=%d failed=%d", decoded, cached, skipped, failed)
	if failed > 0 {
		return fmt.Errorf("ggpk-decode: %d file(s) failed to decode", failed)
	}
	return nil
}

func main() {
	var (
		inputDir    = flag.String("input", "", "directory of .datc64 files to decode")
		outputDir   = flag.String("output", "", "directory to write decoded JSON into")
		schemaPath  = flag.String("schema", "schema.min.json", "path to the schema document")
		filter      = flag.String("filter", "", "regex over table name; empty matches everything")
		limit       = flag.Int("limit", 0, "maximum number of files to decode (0 = unlimited)")
		concurrency = flag.Int("concurrency", 0, "number of worker goroutines (0 = NumCPU-1)")
		noCache     = flag.Bool("no-cache", false, "ignore mtime-based output caching")
	)
	flag.Parse()
	if *inputDir == "" || *outputDir == "" {
		log.Fatal("ggpk-decode: -input and -output are required")
	}
	if err := logic(*inputDir, *outputDir, *schemaPath, *filter, *limit, *concurrency, !*noCache); err != nil {
		log.Fatal(err)
	}
}
