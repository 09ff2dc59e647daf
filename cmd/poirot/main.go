// Command poirot scans a source tree, extracts points of interest through an
// LLM, validates the relationships between them, and materializes the result
// as a code knowledge graph.
package main

import (
	"errors"
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// Exit codes. Partial means the graph was built but some files or jobs were
// permanently abandoned.
const (
	exitOK          = 0
	exitConfig      = 2
	exitFatal       = 3
	exitPartial     = 4
	exitInterrupted = 130
)

// exitStatus carries an exit code out of a command's Execute.
type exitStatus struct {
	code int
	err  error
}

func (e exitStatus) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var global struct {
		Verbose bool `short:"v" long:"verbose" description:"enable debug logging"`
	}
	parser := flags.NewNamedParser("poirot", flags.Default)
	parser.ShortDescription = "LLM-driven code knowledge graph pipeline"
	if _, err := parser.AddGroup("Global", "", &global); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	if _, err := parser.AddCommand("run", "Analyze a source tree and build its graph",
		"Scan the tree, extract points of interest, validate relationships and build the knowledge graph.",
		&runCmd{verbose: &global.Verbose}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}
	if _, err := parser.AddCommand("sweep", "Remove state for files no longer on disk",
		"Diff tracked files against the tree and delete graph nodes and store rows for the missing ones.",
		&sweepCmd{verbose: &global.Verbose}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFatal
	}

	// flags.Default prints the error; only the exit code is decided here.
	if _, err := parser.ParseArgs(args); err != nil {
		var status exitStatus
		if errors.As(err, &status) {
			return status.code
		}
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			return exitOK
		}
		return exitConfig
	}
	return exitOK
}

func setupLogging(verbose bool) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}
