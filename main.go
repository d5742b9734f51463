// command rippanda
package main

// SPDX-License-Identifier: GPL-3.0-only

// This is the main entry point for rippanda, an archival agent for
// "panda" image-gallery websites.

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

var (
	// Build information, set via -ldflags at build time.
	buildGitCommitHash = "unknown"
	buildTimestamp     = "unknown"
)

// Config holds the application configuration, pflag-parsed with an
// environment-variable overlay (RIPPANDA_<FLAG>) applied first so an
// explicit flag always overrides the environment.
type Config struct {
	Mode           Mode
	Cookies        string   `envconfig:"COOKIES"`
	Proxy          string   `envconfig:"PROXY"`
	URL            string   `envconfig:"URL"`
	Delay          string   `envconfig:"DELAY"`
	UpdateInterval string   `envconfig:"UPDATE_INTERVAL"`
	ArchiveDirs    []string `envconfig:"ARCHIVE_DIR"`
	SuccessDir     string   `envconfig:"SUCCESS_DIR"`
	Skip           []string `envconfig:"SKIP"`
	Catchup        bool     `envconfig:"CATCHUP"`
	Verbose        int      `envconfig:"VERBOSE"`
}

func main() {
	config, err := ParseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := CreateLogger(os.Stderr, config.Verbose)
	logger.Info("starting rippanda", "commit", buildGitCommitHash, "buildDate", buildTimestamp, "mode", config.Mode.String())

	os.Exit(run(config, logger))
}

// run wraps the whole application in a single panic-recovery boundary:
// fatalInvariant panics are caught here, logged as a normal fatal error,
// and turned into exit code 1 instead of a stack trace on stderr.
func run(config Config, logger *slog.Logger) (exitCode int) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("internal invariant violated, aborting", "error", r)
			exitCode = 1
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	delay, err := parseISODelay(config.Delay)
	if err != nil {
		logger.Error("invalid delay", "error", err)
		return 1
	}
	updateInterval, err := parseUpdateInterval(config.UpdateInterval)
	if err != nil {
		logger.Error("invalid update interval", "error", err)
		return 1
	}

	client, err := NewHTTPClient(logger, config.URL, delay, config.Proxy, config.Cookies)
	if err != nil {
		logger.Error("could not construct HTTP client", "error", err)
		return 1
	}

	fs := afero.NewOsFs()
	skip := make(map[elementName]bool, len(config.Skip))
	for _, s := range config.Skip {
		skip[elementName(strings.ToLower(strings.TrimSpace(s)))] = true
	}

	actx := &ArchiverContext{
		Client: client,
		Fs:     fs,
		Logger: logger,
		Mode:   config.Mode,
		Skip:   skip,
	}

	successDir := config.SuccessDir
	if successDir == "" {
		successDir = filepath.Join(config.ArchiveDirs[0], "success")
	}
	ledger, err := NewSuccessLedger(fs, logger, successDir, client.MemberID())
	if err != nil {
		logger.Error("could not initialize success ledger", "error", err)
		return 1
	}

	stats := &RunStats{}
	archivers := DefaultArchivers()

	done := make(chan error, 1)
	go func() {
		switch config.Mode {
		case ModeDownload:
			runner := NewDownloadRunner(actx, archivers, ledger, config.ArchiveDirs[0], config.Catchup, stats)
			done <- runner.Run(config.URL)
		case ModeUpdate:
			runner := NewUpdateRunner(actx, archivers, ledger, config.ArchiveDirs[0], updateInterval, stats)
			done <- runner.Run()
		case ModeCleanup:
			runner := NewCleanupRunner(actx, ledger, config.ArchiveDirs[0], config.ArchiveDirs, stats)
			done <- runner.Run()
		default:
			done <- fmt.Errorf("unhandled mode %v", config.Mode)
		}
	}()

	select {
	case err := <-done:
		stats.LogSummary(logger, config.Mode)
		if err != nil {
			logger.Error("run failed", "error", err)
			return 1
		}
		return 0
	case <-ctx.Done():
		logger.Warn("interrupted, shutting down")
		stats.LogSummary(logger, config.Mode)
		return 130
	}
}

// ParseFlags parses command line flags and returns a Config, with the
// mode positional argument defaulting to "download".
func ParseFlags() (Config, error) {
	config := Config{}
	if err := envconfig.Process("rippanda", &config); err != nil {
		return Config{}, fmt.Errorf("reading environment configuration: %w", err)
	}

	pflag.StringVarP(&config.Cookies, "cookies", "c", config.Cookies, `required cookie header, formatted as "k=v; k=v"`)
	pflag.StringVarP(&config.Proxy, "proxy", "p", config.Proxy, "SOCKS5 proxy address (host:port)")
	pflag.StringVarP(&config.URL, "url", "u", config.URL, "base or search URL")
	if config.Delay == "" {
		config.Delay = "15S"
	}
	pflag.StringVarP(&config.Delay, "delay", "d", config.Delay, "minimum delay between requests (ISO-8601 time part)")
	if config.UpdateInterval == "" {
		config.UpdateInterval = "0D=7D-365D=90D"
	}
	pflag.StringVarP(&config.UpdateInterval, "update-interval", "i", config.UpdateInterval, "update interval, as minT=minD-maxT=maxD")
	pflag.StringSliceVarP(&config.ArchiveDirs, "archive-dir", "a", config.ArchiveDirs, "archive directory (repeatable; first is writable)")
	pflag.StringVarP(&config.SuccessDir, "success-dir", "s", config.SuccessDir, "success ledger directory")
	pflag.StringSliceVarP(&config.Skip, "skip", "e", config.Skip, "element to skip (repeatable): metadata,page,imagelist,expungelog,thumbnail,torrent,zip")
	pflag.BoolVarP(&config.Catchup, "catchup", "t", config.Catchup, "stop a download page early once every gallery on it is already archived")
	pflag.IntVarP(&config.Verbose, "verbose", "v", config.Verbose, "verbosity level (1-7)")

	pflag.Parse()

	modeArg := "download"
	if pflag.NArg() > 0 {
		modeArg = pflag.Arg(0)
	}
	mode, err := ParseMode(modeArg)
	if err != nil {
		usage()
		return Config{}, err
	}
	config.Mode = mode

	if config.Cookies == "" || config.URL == "" || len(config.ArchiveDirs) == 0 {
		usage()
		return Config{}, fmt.Errorf("--cookies, --url, and at least one --archive-dir are required")
	}

	return config, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <download|update|cleanup>\n\n", os.Args[0])
	pflag.PrintDefaults()
}

// CreateLogger creates a slog.Logger writing to w, mapping the CLI's 1-7
// verbosity scale onto slog levels: 1-2 Error, 3-4 Warn, 0/5 Info
// (default), 6-7 Debug.
func CreateLogger(w io.Writer, verbosity int) *slog.Logger {
	var level slog.Level
	switch {
	case verbosity >= 6:
		level = slog.LevelDebug
	case verbosity == 5:
		level = slog.LevelInfo
	case verbosity >= 3:
		level = slog.LevelWarn
	case verbosity >= 1:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
