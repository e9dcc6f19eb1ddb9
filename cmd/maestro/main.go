package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "run":
		runOnce(os.Args[2:])
	case "sessions":
		listSessions(os.Args[2:])
	case "validate":
		validateWorkflow(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  maestro serve [--config <maestro.yaml>] [--addr <host:port>] [--data-dir <dir>]")
	fmt.Fprintln(os.Stderr, "  maestro run [--config <maestro.yaml>] [--workflow <id>] [--autonomous] [--max-iterations <n>] <input>")
	fmt.Fprintln(os.Stderr, "  maestro sessions [--config <maestro.yaml>] [--deleted]")
	fmt.Fprintln(os.Stderr, "  maestro validate --workflow-file <file.json>")
}

// flagValue consumes the value of a flag at args[i], advancing i.
func flagValue(args []string, i *int, flag string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
		os.Exit(1)
	}
	return args[*i]
}
