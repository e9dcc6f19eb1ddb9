package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/graph/nodes"
	"github.com/vsavkov/maestro/internal/logging"
	"github.com/vsavkov/maestro/internal/server"
	"github.com/vsavkov/maestro/internal/session"
	"github.com/vsavkov/maestro/internal/workflow"
)

// core bundles the collaborators shared by every subcommand.
type core struct {
	cfg       AppConfig
	nodes     *graph.Registry
	workflows *workflow.FileStore
	sessions  *session.Registry
}

// buildCore wires node registry, workflow store (with templates
// installed), persistence, and the session registry.
func buildCore(cfg AppConfig) (*core, error) {
	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogHuman})

	nodeReg := graph.NewRegistry(log)
	nodes.RegisterBuiltins(nodeReg)

	wfStore, err := workflow.NewFileStore(filepath.Join(cfg.DataDir, "workflows"))
	if err != nil {
		return nil, err
	}
	if _, err := workflow.InstallTemplates(wfStore); err != nil {
		return nil, fmt.Errorf("install templates: %w", err)
	}

	persist, err := session.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewRegistry(session.RegistryConfig{
		DataDir:        cfg.DataDir,
		Workflows:      wfStore,
		Nodes:          nodeReg,
		Persistence:    persist,
		Freshness:      cfg.Freshness,
		DefaultCommand: cfg.Assistant.Command,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	return &core{cfg: cfg, nodes: nodeReg, workflows: wfStore, sessions: sessions}, nil
}

func serve(args []string) {
	configPath := "maestro.yaml"
	var addr, dataDir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		case "--data-dir":
			dataDir = flagValue(args, &i, "--data-dir")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	c, err := buildCore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Pretty: cfg.LogHuman})
	srv := server.New(server.Config{Addr: cfg.Addr}, c.sessions, c.workflows, c.nodes, log)
	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
