// Package decode implements the parallel decode driver (spec.md §4.D):
// a batch of .datc64 table decodes scheduled across worker goroutines,
// with file-modification-time caching.
package decode

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/ggpktools/ggpk/internal/datc64"
	"github.com/ggpktools/ggpk/internal/schema"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

const (
	maxInputSize     = 100 * 1024 * 1024 // 100 MiB
	stallThreshold   = 5 * time.Second
)

// Task is one .datc64 file to decode.
type Task struct {
	InputPath  string
	OutputPath string
	TableName  string
}

// Result is the per-task outcome reported to the caller.
type Result struct {
	Task    Task
	Success bool
	Cached  bool
	Skipped string // "empty", "too large", "no schema", or ""
	Error   string
	Rows    int
}

// Options configures one Run.
type Options struct {
	Filter      string // regex over table name; empty matches everything
	Limit       int    // 0 = unlimited
	Concurrency int    // 0 = max(1, NumCPU-1)
	UseCache    bool
}

// ProgressEvent is emitted by the aggregator as each worker starts or
// finishes a task.
type ProgressEvent struct {
	WorkerID  int
	TableName string
	Starting  bool
	Slow      bool
}

// Driver schedules decode batches across worker goroutines. Workers
// communicate with the driver only by message (spec.md §5): init →
// ready → batch → progress* → batch-result. No memory is shared
// between workers; each loads its own Schema instance.
type Driver struct {
	Log      *log.Logger
	Progress func(ProgressEvent)
}

// discoverTasks lists every .datc64 file directly and recursively under
// inputDir, deriving each one's output path and table name.
func discoverTasks(inputDir, outputDir string) ([]Task, error) {
	var tasks []Task
	err := filepath.WalkDir(inputDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".datc64") {
			return nil
		}
		rel, err := filepath.Rel(inputDir, p)
		if err != nil {
			return err
		}
		table := schema.TableNameFromFile(d.Name())
		out := filepath.Join(outputDir, strings.TrimSuffix(rel, filepath.Ext(rel))+".json")
		tasks = append(tasks, Task{InputPath: p, OutputPath: out, TableName: table})
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("decode: discovering tasks under %s: %w", inputDir, err)
	}
	return tasks, nil
}

// Run decodes every matching .datc64 file under inputDir into JSON
// files under outputDir, driven by a schema loaded fresh per worker
// from schemaPath.
func (d *Driver) Run(ctx context.Context, inputDir, outputDir, schemaPath string, opts Options) ([]Result, error) {
	tasks, err := discoverTasks(inputDir, outputDir)
	if err != nil {
		return nil, err
	}

	if opts.Filter != "" {
		re, err := regexp.Compile(opts.Filter)
		if err != nil {
			return nil, xerrors.Errorf("decode: invalid filter %q: %w", opts.Filter, err)
		}
		filtered := tasks[:0]
		for _, t := range tasks {
			if re.MatchString(t.TableName) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}
	if len(tasks) == 0 {
		return nil, nil
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU() - 1
		if concurrency < 1 {
			concurrency = 1
		}
	}
	nBatches := concurrency
	if nBatches > len(tasks) {
		nBatches = len(tasks)
	}
	batches := partition(tasks, nBatches)

	useCache := true
	if !opts.UseCache {
		useCache = false
	}

	agg := newAggregator(d.Progress, len(tasks))
	defer agg.stop()

	results := make([][]Result, len(batches))
	eg, ctx := errgroup.WithContext(ctx)
	for i, batch := range batches {
		i, batch := i, batch
		eg.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = xerrors.Errorf("decode: worker %d crashed: %v", i, r)
				}
			}()
			results[i], err = runWorker(ctx, i, batch, schemaPath, useCache, agg)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var all []Result
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// partition splits tasks into n batches of ceiling-equal size.
func partition(tasks []Task, n int) [][]Task {
	if n <= 0 {
		n = 1
	}
	size := (len(tasks) + n - 1) / n
	var batches [][]Task
	for i := 0; i < len(tasks); i += size {
		end := i + size
		if end > len(tasks) {
			end = len(tasks)
		}
		batches = append(batches, tasks[i:end])
	}
	return batches
}

// runWorker is one worker's cooperative loop: init (load schema once),
// signal readiness, then decode its batch of tasks in order, emitting
// two progress messages per task.
func runWorker(ctx context.Context, workerID int, batch []Task, schemaPath string, useCache bool, agg *aggregator) ([]Result, error) {
	sch, err := schema.Load(schemaPath, 0)
	if err != nil {
		return nil, xerrors.Errorf("decode: worker %d: loading schema: %w", workerID, err)
	}
	// ready: nothing to signal to in this in-process model beyond having
	// successfully loaded the schema before touching any task.

	results := make([]Result, 0, len(batch))
	for _, task := range batch {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		agg.starting(workerID, task.TableName)
		res := decodeOne(task, sch, useCache)
		results = append(results, res)
		agg.completed(workerID, task.TableName)
	}
	return results, nil
}

func decodeOne(task Task, sch *schema.Schema, useCache bool) Result {
	fi, err := os.Stat(task.InputPath)
	if err != nil {
		return Result{Task: task, Error: err.Error()}
	}
	if fi.Size() == 0 {
		return Result{Task: task, Skipped: "empty"}
	}
	if fi.Size() > maxInputSize {
		return Result{Task: task, Skipped: "too large"}
	}
	if _, ok := sch.Lookup(task.TableName); !ok {
		return Result{Task: task, Skipped: "no schema"}
	}

	if useCache {
		if outInfo, err := os.Stat(task.OutputPath); err == nil {
			if !outInfo.ModTime().Before(fi.ModTime()) {
				return Result{Task: task, Success: true, Cached: true}
			}
		}
	}

	buf, err := os.ReadFile(task.InputPath)
	if err != nil {
		return Result{Task: task, Error: err.Error()}
	}
	tbl := datc64.Decode(sch, filepath.Base(task.InputPath), buf)
	if tbl.Error != "" {
		return Result{Task: task, Error: tbl.Error}
	}

	if err := os.MkdirAll(filepath.Dir(task.OutputPath), 0755); err != nil {
		return Result{Task: task, Error: err.Error()}
	}
	out, err := json.Marshal(tbl)
	if err != nil {
		return Result{Task: task, Error: err.Error()}
	}
	if err := os.WriteFile(task.OutputPath, out, 0644); err != nil {
		return Result{Task: task, Error: err.Error()}
	}
	return Result{Task: task, Success: true, Rows: tbl.RowCount}
}

// aggregator merges per-worker progress events into a single stream and
// watches for stalls: when a task completes at least stallThreshold
// after the previous completion, its completion event is flagged Slow.
// Starting events are never flagged.
type aggregator struct {
	emit func(ProgressEvent)

	mu          sync.Mutex
	inFlight    map[int]string // workerID -> current table, while starting
	lastAdvance time.Time

	done chan struct{}
}

func newAggregator(emit func(ProgressEvent), total int) *aggregator {
	a := &aggregator{
		emit:        emit,
		inFlight:    make(map[int]string),
		lastAdvance: time.Now(),
		done:        make(chan struct{}),
	}
	return a
}

func (a *aggregator) stop() { close(a.done) }

func (a *aggregator) starting(workerID int, table string) {
	a.mu.Lock()
	a.inFlight[workerID] = table
	a.mu.Unlock()
	if a.emit != nil {
		a.emit(ProgressEvent{WorkerID: workerID, TableName: table, Starting: true})
	}
}

func (a *aggregator) completed(workerID int, table string) {
	a.mu.Lock()
	delete(a.inFlight, workerID)
	slow := time.Since(a.lastAdvance) >= stallThreshold
	a.lastAdvance = time.Now()
	a.mu.Unlock()
	if a.emit != nil {
		a.emit(ProgressEvent{WorkerID: workerID, TableName: table, Starting: false, Slow: slow})
	}
}

// stalled returns the table name a worker is stuck on when no task has
// completed within the stall threshold and a task is still in flight.
func (a *aggregator) stalled() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if time.Since(a.lastAdvance) < stallThreshold {
		return "", false
	}
	for _, table := range a.inFlight {
		return fmt.Sprintf("%s (SLOW)", table), true
	}
	return "", false
}
