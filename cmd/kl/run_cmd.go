package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/kl-kernel/kl/pkg/audit"
	"github.com/kl-kernel/kl/pkg/controlled"
	"github.com/kl-kernel/kl/pkg/foundations"
	"github.com/kl-kernel/kl/pkg/trace"
)

// runFlags are shared by run and audit.
type runFlags struct {
	timeout    time.Duration
	policyFile string
	auditLog   bool
}

func parseRunFlags(name string, args []string, stderr io.Writer) (*runFlags, string, bool) {
	cmd := flag.NewFlagSet(name, flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var f runFlags
	cmd.DurationVar(&f.timeout, "timeout", 0, "Per-call timeout override (e.g. 2s)")
	cmd.StringVar(&f.policyFile, "policy", "", "Policy file (overrides KL_POLICY_FILE)")
	cmd.BoolVar(&f.auditLog, "audit-log", false, "Write audit events to stderr")

	if err := cmd.Parse(args); err != nil {
		return nil, "", false
	}
	if cmd.NArg() != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: kl %s [flags] <%s>\n", name, strings.Join(foundations.Names(), "|"))
		return nil, "", false
	}
	return &f, cmd.Arg(0), true
}

// execute runs the named example and returns its trace.
//
// Exit codes:
//
//	0 = trace succeeded
//	1 = task failed or was blocked by policy
//	2 = usage or configuration error
func execute(ctx context.Context, f *runFlags, name string, stderr io.Writer) (*trace.Trace, int) {
	ex, ok := foundations.Lookup(name)
	if !ok {
		_, _ = fmt.Fprintf(stderr, "Error: unknown example %q (available: %s)\n", name, strings.Join(foundations.Names(), ", "))
		return nil, 2
	}

	var auditOut io.Writer
	if f.auditLog {
		auditOut = stderr
	}
	s, err := newSession(ctx, f.policyFile, auditOut, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return nil, 2
	}
	defer s.close(context.Background())

	if s.policy != nil {
		p := *s.policy
		ex.Context.Policy = &p
	}
	var opts []controlled.Option
	if f.timeout != 0 {
		opts = append(opts, controlled.WithTimeout(f.timeout))
	}

	tr, err := ex.Run(ctx, s.layer, opts...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		var v *controlled.PolicyViolationError
		if errors.As(err, &v) {
			return nil, 1
		}
		return nil, 2
	}
	if !tr.Success {
		return tr, 1
	}
	return tr, 0
}

func runRunCmd(args []string, stdout, stderr io.Writer) int {
	f, name, ok := parseRunFlags("run", args, stderr)
	if !ok {
		return 2
	}
	tr, code := execute(context.Background(), f, name, stderr)
	if tr == nil {
		return code
	}
	if err := writeJSON(stdout, tr.Describe()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return code
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	f, name, ok := parseRunFlags("audit", args, stderr)
	if !ok {
		return 2
	}
	tr, code := execute(context.Background(), f, name, stderr)
	if tr == nil {
		return code
	}
	host, _ := os.Hostname()
	report := audit.BuildReport(tr, map[string]any{"example": name, "host": host})
	if err := writeJSON(stdout, report.Describe()); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return code
}

func runExamplesCmd(stdout io.Writer) int {
	for _, ex := range foundations.Examples() {
		_, _ = fmt.Fprintf(stdout, "%-14s %-28s %s\n", ex.Name, ex.Descriptor.Key(), ex.Descriptor.Description)
	}
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
