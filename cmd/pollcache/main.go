// Command pollcache inspects and maintains a poll cache file.
//
// Usage:
//
//	pollcache [-config file] [-db path] <command> [args]
//
// Commands:
//
//	stats                 print cache statistics as JSON
//	list                  list stored entries
//	cleanup               remove expired entries
//	invalidate [-source]  remove entries for a source, or every entry
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/jmgilman/pollcache"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("pollcache", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "Path to a YAML configuration file")
	dbPath := flags.String("db", "", "Path to the cache file (overrides the configuration file)")
	logLevel := flags.String("log-level", "", "Log level: debug, info, warn or error")
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: pollcache [-config file] [-db path] <stats|list|cleanup|invalidate> [args]")
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return exitUsage
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(ctx, *configPath, *dbPath, *logLevel)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	cache, err := pollcache.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer cache.Close()

	command, rest := flags.Arg(0), flags.Args()[1:]
	switch command {
	case "stats":
		return printStats(ctx, cache, stdout, stderr)
	case "list":
		return printEntries(ctx, cache, stdout)
	case "cleanup":
		removed := cache.CleanupExpired(ctx)
		fmt.Fprintf(stdout, "removed %d expired entries\n", removed)
		return exitOK
	case "invalidate":
		return invalidate(ctx, cache, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Error: unknown command %q\n", command)
		flags.Usage()
		return exitUsage
	}
}

func loadConfig(ctx context.Context, configPath, dbPath, logLevel string) (pollcache.Config, error) {
	cfg := pollcache.DefaultConfig()
	if configPath != "" {
		loaded, err := pollcache.LoadConfig(ctx, configPath)
		if err != nil {
			return pollcache.Config{}, err
		}
		cfg = loaded
	}
	if dbPath != "" {
		cfg.Path = dbPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func printStats(ctx context.Context, cache *pollcache.Cache, stdout, stderr io.Writer) int {
	stats := cache.Stats(ctx)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(stats); err != nil {
		fmt.Fprintf(stderr, "Error: failed to encode stats: %v\n", err)
		return exitError
	}
	if !stats.StoreAvailable {
		fmt.Fprintln(stderr, "Warning: cache store is unavailable")
		return exitError
	}
	return exitOK
}

func printEntries(ctx context.Context, cache *pollcache.Cache, stdout io.Writer) int {
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tSOURCE\tSTATUS\tCREATED\tEXPIRES\tHITS\tSIZE")
	for _, e := range cache.ListEntries(ctx) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			shortKey(e.Key),
			e.SourceID,
			e.Status,
			e.CreatedAt.Format(time.RFC3339),
			e.ExpiresAt.Format(time.RFC3339),
			e.AccessCount,
			e.SizeBytes,
		)
	}
	_ = w.Flush()
	return exitOK
}

func invalidate(ctx context.Context, cache *pollcache.Cache, args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("invalidate", flag.ContinueOnError)
	flags.SetOutput(stderr)
	source := flags.String("source", "", "Source identifier to invalidate; empty removes every entry")
	if err := flags.Parse(args); err != nil {
		return exitUsage
	}

	removed, err := cache.Invalidate(ctx, *source, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	fmt.Fprintf(stdout, "removed %d entries\n", removed)
	return exitOK
}

func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:12]
}
