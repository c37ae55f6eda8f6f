package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/timewinder-dev/notebook"
	"github.com/timewinder-dev/notebook/cas"
	"github.com/timewinder-dev/notebook/engine"
	"github.com/timewinder-dev/notebook/telemetry"
)

var (
	edits     []string
	cacheFlag string
	checkFlag bool
	quietFlag bool
)

var runCmd = &cobra.Command{
	Use:   "run NOTEBOOK",
	Short: "Run every cell of a notebook, then apply edits incrementally",
	Args:  cobra.ExactArgs(1),
	Run:   runCommand,
}

func init() {
	runCmd.Flags().StringArrayVar(&edits, "edit", nil, "Replace a cell's source after the first run (id=source), repeatable")
	runCmd.Flags().StringVar(&cacheFlag, "cache", "", "Load and save the result cache at this path (overrides cache_file)")
	runCmd.Flags().BoolVar(&checkFlag, "check", false, "Fail if a cell doesn't match its expect or expect_error")
	runCmd.Flags().BoolVar(&quietFlag, "quiet", false, "Don't print per-cell progress")
}

func parseEdit(s string) (id, source string, err error) {
	id, source, ok := strings.Cut(s, "=")
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return "", "", fmt.Errorf("edit %q: want id=source", s)
	}
	return id, source, nil
}

func runCommand(cmd *cobra.Command, args []string) {
	nb, err := notebook.LoadFromFile(args[0])
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't load notebook")
	}
	if err := nb.Engine.ApplyEnv(os.LookupEnv); err != nil {
		log.Fatal().Err(err).Msg("Bad environment override")
	}
	if cacheFlag != "" {
		nb.Engine.CacheFile = cacheFlag
	}

	endpoint := nb.Telemetry.Endpoint
	if v, ok := os.LookupEnv(telemetry.EnvEndpoint); ok {
		endpoint = v
	}
	service := nb.Telemetry.Service
	if service == "" {
		service = "notebook"
	}
	shutdown, err := telemetry.Setup(endpoint, service)
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't set up tracing")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Trace exporter shutdown")
		}
	}()

	var reporter engine.Reporter = &engine.ColorReporter{Writer: os.Stderr}
	if quietFlag {
		reporter = &engine.SilentReporter{}
	}
	e, store, err := nb.BuildEngine(engine.WithReporter(reporter))
	if err != nil {
		log.Fatal().Err(err).Msg("Couldn't build engine for notebook")
	}
	// The run continues with an empty cache if there's nothing to load.
	_ = e.LoadCache(nb.Engine.CacheFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fmt.Fprintln(os.Stderr, color.Cyan.Sprintf("Running %s (%d cells)...", nb.Title, len(nb.Cells)))
	if _, err := e.ExecuteAll(ctx); err != nil {
		log.Error().Err(err).Msg("Run interrupted")
	}

	for _, s := range edits {
		if ctx.Err() != nil {
			break
		}
		id, source, err := parseEdit(s)
		if err != nil {
			log.Fatal().Err(err).Msg("Bad --edit")
		}
		stale, err := e.UpdateSource(id, source)
		if err != nil {
			log.Fatal().Err(err).Str("cell", id).Msg("Couldn't edit cell")
		}
		fmt.Fprintln(os.Stderr, color.Cyan.Sprintf("Edited %s, re-running %s", id, strings.Join(stale, ", ")))
		if _, err := e.ExecuteIncremental(ctx, []string{id}); err != nil {
			log.Error().Err(err).Msg("Run interrupted")
		}
	}

	fmt.Print(engine.FormatItems(store.Items()))

	var cs *cas.CacheStats
	if c := e.Cache(); c != nil {
		s := c.Stats()
		cs = &s
	}
	fmt.Fprint(os.Stderr, engine.FormatStatistics(e.Statistics(), e.Queue().Statistics(), cs))

	if err := e.SaveCache(nb.Engine.CacheFile); err != nil {
		log.Error().Err(err).Msg("Couldn't save result cache")
	}

	if !checkFlag {
		return
	}
	mismatches := nb.Check(store)
	if len(mismatches) == 0 {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, color.Green.Sprint("✓ Every cell matches its expectation"))
		return
	}
	fmt.Fprintln(os.Stderr)
	for _, m := range mismatches {
		fmt.Fprintln(os.Stderr, color.Red.Sprintf("✗ %s", m))
	}
	os.Exit(1)
}
