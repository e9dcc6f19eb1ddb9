package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vsavkov/maestro/internal/session"
	"github.com/vsavkov/maestro/internal/workflow"
)

// runOnce creates an ephemeral session, invokes it with the given input,
// prints the answer, and soft-deletes the session.
func runOnce(args []string) {
	configPath := "maestro.yaml"
	var workflowID string
	var autonomous bool
	maxIterations := 0
	var inputParts []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--workflow":
			workflowID = flagValue(args, &i, "--workflow")
		case "--autonomous":
			autonomous = true
		case "--max-iterations":
			v := flagValue(args, &i, "--max-iterations")
			n, err := strconv.Atoi(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --max-iterations: %s\n", v)
				os.Exit(1)
			}
			maxIterations = n
		default:
			inputParts = append(inputParts, args[i])
		}
	}
	input := strings.TrimSpace(strings.Join(inputParts, " "))
	if input == "" {
		usage()
		os.Exit(1)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	c, err := buildCore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	sess, err := c.sessions.Create(session.CreateRequest{
		SessionName:   "cli-" + time.Now().UTC().Format("20060102-150405"),
		Command:       cfg.Assistant.Command,
		ModelName:     cfg.Assistant.ModelName,
		MaxTurns:      cfg.Assistant.MaxTurns,
		Timeout:       time.Duration(cfg.Assistant.TimeoutSec * float64(time.Second)),
		Autonomous:    autonomous,
		MaxIterations: maxIterations,
		WorkflowID:    workflowID,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.sessions.Delete(sess.ID(), false)

	answer, err := sess.Invoke(context.Background(), input, maxIterations)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(answer)
}

// listSessions prints the persisted session records.
func listSessions(args []string) {
	configPath := "maestro.yaml"
	deleted := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--deleted":
			deleted = true
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
	store, err := session.NewFileStore(cfg.DataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var entries []session.StoredSession
	if deleted {
		entries, err = store.ListDeleted()
	} else {
		entries, err = store.ListActive()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("no sessions")
		return
	}
	for _, e := range entries {
		rec := e.Record
		fmt.Printf("%s  %-20s  %-8s  %s  role=%s\n",
			rec.SessionID, rec.SessionName, rec.Status,
			rec.CreatedAt.Format(time.RFC3339), rec.Role)
	}
}

// validateWorkflow checks a workflow definition file against the node
// registry and prints the issues.
func validateWorkflow(args []string) {
	var file string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--workflow-file":
			file = flagValue(args, &i, "--workflow-file")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if file == "" {
		usage()
		os.Exit(1)
	}

	b, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	wf, err := workflow.DecodeWire(b)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, _ := loadConfig("")
	c, err := buildCore(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	issues := workflow.Validate(wf, c.nodes)
	if len(issues) == 0 {
		fmt.Printf("%s: valid\n", wf.ID)
		return
	}
	for _, issue := range issues {
		fmt.Fprintln(os.Stderr, "  - "+issue)
	}
	os.Exit(1)
}
