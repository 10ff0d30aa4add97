package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kl-kernel/kl/pkg/runtime/sandbox"
)

const version = "0.1.0"

func main() {
	// A re-executed worker serves one task and exits before any CLI handling.
	if sandbox.ServeWorker() {
		return
	}
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "examples":
		return runExamplesCmd(stdout)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "kl %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "kl %s - controlled execution kernel\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  kl <command> [flags]")
	fmt.Fprintln(w, "")
	printCommand(w, "run", "Execute a built-in example and print its trace")
	printCommand(w, "audit", "Execute a built-in example and print its audit report")
	printCommand(w, "examples", "List built-in examples")
	printCommand(w, "policy", "Evaluate a policy file against the examples (--file)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "ENVIRONMENT:")
	fmt.Fprintln(w, "  KL_LOG_LEVEL, KL_LOG_FORMAT, KL_DEFAULT_VERSION, KL_DEFAULT_TIMEOUT_SECONDS,")
	fmt.Fprintln(w, "  KL_ENVELOPE_CONSTRAINT, KL_ALLOW_INPROCESS_TIMEOUT, KL_OTEL_ENABLED, KL_OTEL_ENDPOINT,")
	fmt.Fprintln(w, "  KL_POLICY_FILE")
	fmt.Fprintln(w, "")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}
