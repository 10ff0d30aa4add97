package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/kl-kernel/kl/pkg/config"
	"github.com/kl-kernel/kl/pkg/foundations"
)

// runPolicyCmd evaluates a policy file against every example without running
// anything. It exits 1 when any example would be blocked.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Path to policy YAML (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output decisions as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if file == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	pf, err := config.LoadPolicyFile(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	eval, err := pf.Evaluator()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	code := 0
	results := make(map[string]any)
	for _, ex := range foundations.Examples() {
		d := eval.Evaluate(ex.Descriptor)
		if !d.Allowed {
			code = 1
		}
		if jsonOutput {
			results[ex.Name] = d.Describe()
			continue
		}
		verdict := "ALLOW"
		if !d.Allowed {
			verdict = "DENY"
		}
		_, _ = fmt.Fprintf(stdout, "%-14s %-5s %s: %s\n", ex.Name, verdict, d.PolicyName, d.Reason)
	}
	if jsonOutput {
		if err := writeJSON(stdout, results); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
	}
	return code
}
