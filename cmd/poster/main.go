package main

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/mikequentel/notesky/internal/config"
	"github.com/mikequentel/notesky/internal/logging"
	"github.com/mikequentel/notesky/internal/store"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	// --help and --version need no database
	if isHelpOrVersion(args) {
		if err := newCLIApp(nil).Run(args); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}

	// --- Config (env) ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	// --- DB init ---
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open store", zap.String("path", cfg.DBPath), zap.Error(err))
		return 1
	}
	defer st.Close()

	d := &deps{
		cfg:    cfg,
		store:  st,
		logger: logger,
		hc:     &http.Client{Timeout: cfg.HTTPTimeout},
	}
	if err := newCLIApp(d).Run(args); err != nil {
		reportError(os.Stderr, err)
		return 1
	}
	return 0
}

func isHelpOrVersion(args []string) bool {
	if len(args) < 2 {
		return true
	}
	switch args[1] {
	case "--help", "-h", "--version", "-v", "help":
		return true
	}
	return false
}
