package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/danshapiro/poirot/internal/config"
	"github.com/danshapiro/poirot/internal/graphstore"
	"github.com/danshapiro/poirot/internal/llm"
	"github.com/danshapiro/poirot/internal/metrics"
	"github.com/danshapiro/poirot/internal/pipeline"
	"github.com/danshapiro/poirot/internal/queue"
	"github.com/danshapiro/poirot/internal/relstore"
)

type runCmd struct {
	Config      string `short:"c" long:"config" required:"true" description:"run options YAML file"`
	Root        string `long:"root" default:"." description:"source tree root"`
	ReportDir   string `long:"report-dir" description:"directory receiving report.json (default: no report)"`
	MetricsAddr string `long:"metrics-addr" description:"serve Prometheus metrics on this address"`
	MemoryGraph bool   `long:"memory-graph" description:"use the in-process graph store instead of neo4j"`

	verbose *bool
}

func (c *runCmd) Execute(_ []string) error {
	setupLogging(c.verbose != nil && *c.verbose)

	cfg, err := config.Load(c.Config)
	if err != nil {
		return exitStatus{code: exitConfig, err: err}
	}
	if cfg.Queue.BrokerURL == "" {
		return exitStatus{code: exitConfig, err: fmt.Errorf("config %s: queue.broker_url is required", c.Config)}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := relstore.Open(relStorePath(cfg), relstore.Options{TxTimeout: cfg.StoreTxTimeout})
	if err != nil {
		return exitStatus{code: exitFatal, err: err}
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.Queue.BrokerURL)
	if err != nil {
		return exitStatus{code: exitConfig, err: fmt.Errorf("queue.broker_url: %w", err)}
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return exitStatus{code: exitFatal, err: fmt.Errorf("connect to queue broker: %w", err)}
	}
	q := queue.NewRedis(rdb, queue.RedisOptions{Namespace: cfg.Queue.Namespace})

	graph, closeGraph, status := openGraph(ctx, cfg, c.MemoryGraph)
	if status != nil {
		return *status
	}
	defer closeGraph()

	adapter := llm.NewOpenAICompatAdapter(llm.OpenAICompatConfig{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.Endpoint,
	})
	client := llm.NewClient(adapter, llm.ClientOptions{
		Model:          cfg.LLM.Model,
		MaxConcurrency: cfg.MaxLLMConcurrency,
		CallTimeout:    cfg.LLM.Timeout,
	})

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if c.MetricsAddr != "" {
		go serveMetrics(c.MetricsAddr, reg)
	}

	pipe := &pipeline.Pipeline{
		Opts:      cfg,
		Root:      c.Root,
		Store:     store,
		Queue:     q,
		Redis:     rdb,
		LLM:       client,
		Graph:     graph,
		Metrics:   m,
		ReportDir: c.ReportDir,
	}
	result, err := pipe.Run(ctx)

	fmt.Printf("run_id=%s\n", result.RunID)
	fmt.Printf("status=%s\n", result.Status)
	fmt.Printf("files=%d\n", result.TotalFiles)
	fmt.Printf("nodes=%d\n", result.GraphNodes)
	fmt.Printf("edges=%d\n", result.GraphEdges)
	fmt.Printf("tokens_prompt=%d\n", result.Tokens.PromptTokens)
	fmt.Printf("tokens_completion=%d\n", result.Tokens.CompletionTokens)
	for _, path := range result.FailedFiles {
		fmt.Fprintf(os.Stderr, "FAILED: %s\n", path)
	}

	switch result.Status {
	case pipeline.StatusCompleted:
		return nil
	case pipeline.StatusCompletedWithFailures:
		return exitStatus{code: exitPartial}
	case pipeline.StatusInterrupted:
		return exitStatus{code: exitInterrupted, err: err}
	default:
		return exitStatus{code: exitFatal, err: err}
	}
}

func relStorePath(cfg *config.RunOptions) string {
	if cfg.RelStore != "" {
		return cfg.RelStore
	}
	return "poirot.db"
}

// openGraph picks the graph backend: neo4j when configured, the in-process
// store when forced or when no URI is set.
func openGraph(ctx context.Context, cfg *config.RunOptions, forceMemory bool) (graphstore.GraphStore, func(), *exitStatus) {
	if forceMemory || cfg.GraphStore.URI == "" {
		log.Info("using in-process graph store")
		return graphstore.NewMemory(), func() {}, nil
	}
	store, err := graphstore.NewNeo4j(ctx, graphstore.Neo4jConfig{
		URI:          cfg.GraphStore.URI,
		User:         cfg.GraphStore.User,
		Password:     cfg.GraphStore.Password,
		Database:     cfg.GraphStore.Database,
		BatchTimeout: cfg.GraphTxTimeout,
	})
	if err != nil {
		return nil, nil, &exitStatus{code: exitFatal, err: err}
	}
	return store, func() {
		if err := store.Close(context.Background()); err != nil {
			log.WithError(err).Warn("failed to close graph store")
		}
	}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics listener stopped")
	}
}
