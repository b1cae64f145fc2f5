package main

import (
	"fmt"
	"os"

	"TrustLinks/internal/logger"
)

func main() {
	logger.Init()

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("load config:\n%w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.SetLevel(level)

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting trust node",
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
		"store", cfg.Store.Backend,
		"group", cfg.Group.GroupID,
		"tree_depth", cfg.Group.Depth,
		"max_depth", cfg.Trust.MaxDepth,
	)

	if cfg.Store.Backend == BackendRelay {
		logger.Info("relay configuration", "relays", cfg.Store.Relays)
	}
}
