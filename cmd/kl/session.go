package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/kl-kernel/kl/pkg/audit"
	"github.com/kl-kernel/kl/pkg/config"
	"github.com/kl-kernel/kl/pkg/controlled"
	"github.com/kl-kernel/kl/pkg/execution"
	"github.com/kl-kernel/kl/pkg/kernel"
	"github.com/kl-kernel/kl/pkg/observability"
	"github.com/kl-kernel/kl/pkg/pdp"
)

// session bundles what one CLI invocation needs to execute through the layer.
type session struct {
	layer  *controlled.Layer
	policy *execution.Policy
	close  func(ctx context.Context)
}

// newObservability builds the telemetry provider for a session.
var newObservability = observability.New

// newSession wires config, logging, telemetry, the kernel and the layer.
// policyPath overrides KL_POLICY_FILE when set. Anything already started is
// released when a later step fails.
func newSession(ctx context.Context, policyPath string, auditOut, stderr io.Writer) (_ *session, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderr)

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.ServiceVersion = version
	obs, err := newObservability(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	defer func() {
		if err != nil {
			_ = obs.Shutdown(ctx)
		}
	}()

	var (
		evaluator pdp.Evaluator
		policy    *execution.Policy
	)
	if policyPath == "" {
		policyPath = cfg.PolicyFile
	}
	if policyPath != "" {
		var pf *config.PolicyFile
		if pf, err = config.LoadPolicyFile(policyPath); err != nil {
			return nil, err
		}
		if evaluator, err = pf.Evaluator(); err != nil {
			return nil, err
		}
		p := pf.ExecutionPolicy()
		policy = &p
	}

	k, err := kernel.New(kernel.Config{
		DefaultVersion:        cfg.DefaultVersion,
		AllowInProcessTimeout: cfg.AllowInProcessTimeout,
		Logger:                logger.With("component", "kernel"),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = k.Close(ctx)
		}
	}()

	auditLog := audit.Nop()
	if auditOut != nil {
		auditLog = audit.NewLoggerWithWriter(auditOut)
	}
	layer, err := controlled.New(k, controlled.Config{
		Evaluator:          evaluator,
		Validator:          controlled.StrictValidator,
		DefaultVersion:     cfg.DefaultVersion,
		DefaultTimeout:     cfg.DefaultTimeout,
		EnvelopeConstraint: cfg.EnvelopeConstraint,
		Audit:              auditLog,
		Observability:      obs,
		Logger:             logger.With("component", "controlled"),
	})
	if err != nil {
		return nil, err
	}

	return &session{
		layer:  layer,
		policy: policy,
		close: func(ctx context.Context) {
			if err := k.Close(ctx); err != nil {
				logger.Warn("kernel close failed", slog.Any("error", err))
			}
			_ = obs.Shutdown(ctx)
		},
	}, nil
}
