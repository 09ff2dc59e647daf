// Package scout walks a source tree, registers every analyzable file in the
// relational store, and seeds the queue topology for a run: one gated
// file-analysis job per file, one directory-resolution job per directory
// gated on that directory's files, and a single finalization job gated on
// every file and directory job. Queues stay paused until the whole topology
// exists, so no job can finish before its dependents are registered.
package scout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/config"
	"github.com/danshapiro/poirot/internal/ident"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

// sniffLen bounds how much of a file is read to detect binary content.
const sniffLen = 8000

// Scout discovers files and seeds the run.
type Scout struct {
	opts  *config.RunOptions
	store *relstore.Store
	queue queue.Queue
}

// New returns a scout for one run.
func New(opts *config.RunOptions, store *relstore.Store, q queue.Queue) *Scout {
	return &Scout{opts: opts, store: store, queue: q}
}

// Result summarizes a completed scan.
type Result struct {
	RunID      string
	TotalFiles int
	// FilesByDirectory counts registered files per directory (relative paths,
	// "." for the root).
	FilesByDirectory map[string]int
	// FileJobIDs maps file path to its file-analysis job id.
	FileJobIDs map[string]string
	// FinalizeJobID is the graph-build job gated on every file and
	// directory job.
	FinalizeJobID string
	Skipped      int
}

// Scan walks root, upserts every analyzable file as pending and enqueues the
// run's job topology. Paths stored and enqueued are relative to root, using
// forward slashes.
func (s *Scout) Scan(ctx context.Context, runID, root string) (*Result, error) {
	files, skipped, err := s.discover(ctx, root)
	if err != nil {
		return nil, err
	}

	// Pause before enqueueing: the finalization job's dependency list must be
	// complete before any file job can finish.
	for _, name := range []string{queue.FileAnalysisQueue, queue.DirectoryResolutionQueue, queue.GraphBuildQueue} {
		if err := s.queue.PauseQueue(ctx, name); err != nil {
			return nil, fmt.Errorf("pause %s: %w", name, err)
		}
	}

	res := &Result{
		RunID:            runID,
		FilesByDirectory: map[string]int{},
		FileJobIDs:       map[string]string{},
		Skipped:          skipped,
	}
	jobsByDir := map[string][]string{}
	var allFileJobs []string

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fileID, err := s.register(ctx, runID, f)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(model.FileAnalysisJob{
			RunID:       runID,
			FileID:      fileID,
			FilePath:    f.path,
			SpecialType: f.specialType,
		})
		if err != nil {
			return nil, fmt.Errorf("encode file job: %w", err)
		}
		jobID, err := s.queue.Enqueue(ctx, queue.FileAnalysisQueue, payload, queue.EnqueueOptions{
			DedupKey: fmt.Sprintf("file-analysis:%d", fileID),
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue file job for %s: %w", f.path, err)
		}
		dir := dirOf(f.path)
		jobsByDir[dir] = append(jobsByDir[dir], jobID)
		allFileJobs = append(allFileJobs, jobID)
		res.FileJobIDs[f.path] = jobID
		res.FilesByDirectory[dir]++
		res.TotalFiles++
	}

	// One directory-resolution job per directory, released when the
	// directory's own files are done.
	dirs := make([]string, 0, len(jobsByDir))
	for d := range jobsByDir {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	gateJobs := allFileJobs
	for _, dir := range dirs {
		payload, err := json.Marshal(model.DirectoryResolutionJob{RunID: runID, DirectoryPath: dir})
		if err != nil {
			return nil, fmt.Errorf("encode directory job: %w", err)
		}
		dirJobID, err := s.queue.Enqueue(ctx, queue.DirectoryResolutionQueue, payload, queue.EnqueueOptions{
			DedupKey:  fmt.Sprintf("directory-resolution:%s:%s", runID, dir),
			DependsOn: jobsByDir[dir],
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue directory job for %s: %w", dir, err)
		}
		gateJobs = append(gateJobs, dirJobID)
	}

	finalize, err := json.Marshal(model.GraphBuildJob{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("encode finalize job: %w", err)
	}
	res.FinalizeJobID, err = s.queue.Enqueue(ctx, queue.GraphBuildQueue, finalize, queue.EnqueueOptions{
		DedupKey:  "graph-build:" + runID,
		DependsOn: gateJobs,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue finalize job: %w", err)
	}

	// Resume in reverse: downstream queues first, file-analysis last.
	for _, name := range []string{queue.GraphBuildQueue, queue.DirectoryResolutionQueue, queue.FileAnalysisQueue} {
		if err := s.queue.ResumeQueue(ctx, name); err != nil {
			return nil, fmt.Errorf("resume %s: %w", name, err)
		}
	}

	log.WithFields(log.Fields{
		"run":     runID,
		"files":   res.TotalFiles,
		"dirs":    len(dirs),
		"skipped": skipped,
	}).Info("scan complete")
	return res, nil
}

type discovered struct {
	path        string // relative, slash-separated
	specialType string
	content     []byte
}

// discover walks root and returns the analyzable files in walk order.
func (s *Scout) discover(ctx context.Context, root string) ([]discovered, int, error) {
	var out []discovered
	skipped := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if s.ignored(rel + "/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignored(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > s.opts.MaxFileBytes {
			log.WithFields(log.Fields{"path": rel, "bytes": info.Size()}).Debug("skipping oversized file")
			skipped++
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		if isBinary(content) {
			skipped++
			return nil
		}
		out = append(out, discovered{
			path:        rel,
			specialType: s.opts.ClassifySpecial(filepath.Base(rel)),
			content:     content,
		})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk %s: %w", root, err)
	}
	return out, skipped, nil
}

// register upserts the file row as pending and returns its id.
func (s *Scout) register(ctx context.Context, runID string, f discovered) (int64, error) {
	var fileID int64
	err := s.store.Write(ctx, func(tx *sql.Tx) error {
		var err error
		fileID, err = relstore.UpsertFile(tx, model.File{
			Path:        f.path,
			Checksum:    ident.Checksum(f.content),
			Status:      model.FileStatusPending,
			SpecialType: f.specialType,
			RunID:       runID,
		})
		return err
	})
	if err != nil {
		return 0, err
	}
	return fileID, nil
}

// ignored reports whether a relative slash path matches any ignore glob.
// Directory candidates arrive with a trailing slash so "node_modules/**"
// style patterns prune the whole subtree.
func (s *Scout) ignored(rel string) bool {
	probe := strings.TrimSuffix(rel, "/")
	for _, pat := range s.opts.Ignore {
		if ok, _ := doublestar.Match(pat, probe); ok {
			return true
		}
		// A pattern like "vendor/**" should also prune the "vendor" directory
		// itself.
		if strings.HasSuffix(rel, "/") {
			if ok, _ := doublestar.Match(pat, probe+"/"); ok {
				return true
			}
			if trimmed, found := strings.CutSuffix(pat, "/**"); found && trimmed == probe {
				return true
			}
		}
	}
	return false
}

// isBinary sniffs for a null byte in the leading bytes, the same heuristic
// git uses.
func isBinary(content []byte) bool {
	n := len(content)
	if n > sniffLen {
		n = sniffLen
	}
	for _, b := range content[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

func dirOf(rel string) string {
	d := filepath.ToSlash(filepath.Dir(rel))
	if d == "" {
		return "."
	}
	return d
}
