package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danshapiro/poirot/internal/cleaner"
	"github.com/danshapiro/poirot/internal/config"
	"github.com/danshapiro/poirot/internal/relstore"
)

type sweepCmd struct {
	Config      string `short:"c" long:"config" required:"true" description:"run options YAML file"`
	Root        string `long:"root" default:"." description:"source tree root"`
	MemoryGraph bool   `long:"memory-graph" description:"use the in-process graph store instead of neo4j"`

	verbose *bool
}

func (c *sweepCmd) Execute(_ []string) error {
	setupLogging(c.verbose != nil && *c.verbose)

	cfg, err := config.Load(c.Config)
	if err != nil {
		return exitStatus{code: exitConfig, err: err}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := relstore.Open(relStorePath(cfg), relstore.Options{TxTimeout: cfg.StoreTxTimeout})
	if err != nil {
		return exitStatus{code: exitFatal, err: err}
	}
	defer store.Close()

	graph, closeGraph, status := openGraph(ctx, cfg, c.MemoryGraph)
	if status != nil {
		return *status
	}
	defer closeGraph()

	cl := &cleaner.Cleaner{Store: store, Graph: graph}
	marked, err := cl.Reconcile(ctx, "", c.Root)
	if err != nil {
		if ctx.Err() != nil {
			return exitStatus{code: exitInterrupted, err: err}
		}
		return exitStatus{code: exitFatal, err: err}
	}
	swept, err := cl.Sweep(ctx, "")
	if err != nil {
		if ctx.Err() != nil {
			return exitStatus{code: exitInterrupted, err: err}
		}
		return exitStatus{code: exitFatal, err: err}
	}

	fmt.Printf("marked=%d\n", len(marked))
	fmt.Printf("swept=%d\n", swept)
	return nil
}
