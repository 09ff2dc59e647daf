package scout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/danshapiro/poirot/internal/config"
	"github.com/danshapiro/poirot/internal/model"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

func newFixture(t *testing.T, opts *config.RunOptions) (*Scout, *relstore.Store, *queue.RedisQueue) {
	t.Helper()
	require.NoError(t, opts.ApplyDefaults())

	store, err := relstore.Open(filepath.Join(t.TempDir(), "rel.db"), relstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewRedis(rdb, queue.RedisOptions{Namespace: "test", PollInterval: 5 * time.Millisecond})

	return New(opts, store, q), store, q
}

func consume(t *testing.T, q queue.Queue, name string, h queue.Handler, n int) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Consume(ctx, name, h, n)
	}()
	return func() {
		cancel()
		<-done
	}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for path, content := range files {
		full := filepath.Join(root, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func TestScan_RegistersFilesAndSeedsJobs(t *testing.T) {
	s, store, q := newFixture(t, &config.RunOptions{})
	root := writeTree(t, map[string]string{
		"src/a.js":     "function a() {}",
		"src/b.js":     "function b() {}",
		"lib/util.js":  "module.exports = {}",
		"package.json": `{"name": "x"}`,
	})

	res, err := s.Scan(context.Background(), "run-1", root)
	require.NoError(t, err)
	require.Equal(t, 4, res.TotalFiles)
	require.Equal(t, 2, res.FilesByDirectory["src"])
	require.Equal(t, 1, res.FilesByDirectory["lib"])
	require.Equal(t, 1, res.FilesByDirectory["."])
	require.NotEmpty(t, res.FinalizeJobID)

	f, err := store.GetFileByPath(context.Background(), "src/a.js")
	require.NoError(t, err)
	require.Equal(t, model.FileStatusPending, f.Status)
	require.NotEmpty(t, f.Checksum)

	manifest, err := store.GetFileByPath(context.Background(), "package.json")
	require.NoError(t, err)
	require.Equal(t, "manifest", manifest.SpecialType)

	depth, err := q.Depth(context.Background(), queue.FileAnalysisQueue)
	require.NoError(t, err)
	require.EqualValues(t, 4, depth)

	// Directory and finalize jobs are gated, not yet deliverable.
	depth, err = q.Depth(context.Background(), queue.DirectoryResolutionQueue)
	require.NoError(t, err)
	require.EqualValues(t, 0, depth)
	depth, err = q.Depth(context.Background(), queue.GraphBuildQueue)
	require.NoError(t, err)
	require.EqualValues(t, 0, depth)
}

func TestScan_SkipsIgnoredBinaryAndOversized(t *testing.T) {
	s, store, _ := newFixture(t, &config.RunOptions{
		Ignore:       []string{"node_modules/**", "*.log"},
		MaxFileBytes: 64,
	})
	root := writeTree(t, map[string]string{
		"keep.js":               "ok",
		"skip.log":              "noise",
		"node_modules/dep/x.js": "ignored",
		"assets/blob.bin":       "bin\x00ary",
	})
	big := make([]byte, 100)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.js"), big, 0o644))

	res, err := s.Scan(context.Background(), "run-1", root)
	require.NoError(t, err)
	require.Equal(t, 1, res.TotalFiles)
	require.Contains(t, res.FileJobIDs, "keep.js")
	require.Equal(t, 2, res.Skipped) // binary + oversized

	paths, err := store.ListFilePaths(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, []string{"keep.js"}, paths)
}

func TestScan_RescanIsIdempotent(t *testing.T) {
	s, store, q := newFixture(t, &config.RunOptions{})
	root := writeTree(t, map[string]string{"a.js": "x"})
	ctx := context.Background()

	_, err := s.Scan(ctx, "run-1", root)
	require.NoError(t, err)
	res2, err := s.Scan(ctx, "run-1", root)
	require.NoError(t, err)
	require.Equal(t, 1, res2.TotalFiles)

	// Same file id both times, so the dedup key absorbs the second enqueue.
	depth, err := q.Depth(ctx, queue.FileAnalysisQueue)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	paths, err := store.ListFilePaths(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, paths, 1)
}

func TestScan_DirectoryJobReleasedAfterFiles(t *testing.T) {
	s, _, q := newFixture(t, &config.RunOptions{})
	root := writeTree(t, map[string]string{"src/a.js": "x", "src/b.js": "y"})
	ctx := context.Background()

	res, err := s.Scan(ctx, "run-1", root)
	require.NoError(t, err)

	var seenDir model.DirectoryResolutionJob
	dirDone := make(chan struct{})
	stopDir := consume(t, q, queue.DirectoryResolutionQueue, func(ctx context.Context, job queue.Job) queue.Result {
		if err := json.Unmarshal(job.Payload, &seenDir); err == nil {
			close(dirDone)
		}
		return queue.Ack()
	}, 1)
	defer stopDir()
	stopFiles := consume(t, q, queue.FileAnalysisQueue, func(ctx context.Context, job queue.Job) queue.Result {
		return queue.Ack()
	}, 2)
	defer stopFiles()

	select {
	case <-dirDone:
	case <-time.After(3 * time.Second):
		t.Fatal("directory job never released")
	}
	require.Equal(t, "src", seenDir.DirectoryPath)
	require.Equal(t, "run-1", seenDir.RunID)
	_ = res
}
