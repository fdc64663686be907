package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/poolheat/controller/internal/config"
	"github.com/poolheat/controller/internal/storage"
)

func runFactoryReset(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("factory-reset", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: ~/.poolheat/config.toml)")
	dbPath := fs.String("db", "", "Database to reset (default: from config)")
	yes := fs.Bool("yes", false, "Confirm the reset")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: poolheat factory-reset --yes [options]\n\n"+
			"Clear known networks, device defaults and the admin account.\n"+
			"Firmware slots are kept. Run while the controller is stopped; on the\n"+
			"next start it opens the provisioning access point.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if !*yes {
		fmt.Fprintln(stderr, "Error: refusing to reset without --yes")
		return 1
	}

	path := *dbPath
	if path == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if err := cfg.ApplyDefaults(); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		path = cfg.DBPath
	}

	if err := factoryReset(path); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Factory reset complete (%s).\n", path)
	return 0
}

func factoryReset(dbPath string) error {
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.FactoryReset(); err != nil {
		return err
	}
	return store.RecordEvent(&storage.DeviceEvent{
		ID:      uuid.New().String(),
		Kind:    storage.EventAdmin,
		Message: "factory reset from the command line",
		At:      time.Now(),
	}, storage.DefaultMaxEvents)
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Where to write the config (default: ~/.poolheat/config.toml)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	path := *configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if err := config.WriteDefault(path); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Config: %s\n", path)
	return 0
}
