package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/audit"
	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-pay/pkg/coordinator"
	"github.com/Mindburn-Labs/helm-pay/pkg/discovery"
	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
	"github.com/Mindburn-Labs/helm-pay/pkg/ledger"
)

// demoProviders is the agent market for the demo. 0xrogue-executor ranks
// first but is not authorized on the session; 0xslow-executor is excluded
// by the default selector.
var demoProviders = []discovery.Agent{
	{Address: "0xverifier-a", Roles: []contracts.Role{contracts.RoleVerifier}, Reputation: 0.92, Cost: finance.MustParse("0.10"), Latency: 300 * time.Millisecond},
	{Address: "0xescrow-a", Roles: []contracts.Role{contracts.RoleEscrowManager}, Reputation: 0.88, Cost: finance.MustParse("0.05"), Latency: 200 * time.Millisecond},
	{Address: "0xrogue-executor", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.99, Cost: finance.MustParse("0.50"), Latency: 100 * time.Millisecond},
	{Address: "0xslow-executor", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.97, Cost: finance.MustParse("0.80"), Latency: 9 * time.Second},
	{Address: "0xexecutor-a", Roles: []contracts.Role{contracts.RoleExecutor}, Reputation: 0.95, Cost: finance.MustParse("1.00"), Latency: 800 * time.Millisecond},
	{Address: "0xconfirmer-a", Roles: []contracts.Role{contracts.RoleDeliveryConfirmer}, Reputation: 0.90, Cost: finance.MustParse("0.10"), Latency: 400 * time.Millisecond},
	{Address: "0xsettler-a", Roles: []contracts.Role{contracts.RoleSettler}, Reputation: 0.90, Cost: finance.MustParse("0.05"), Latency: 150 * time.Millisecond},
}

type demoReport struct {
	Session     *contracts.Session            `json:"session"`
	Outcome     *coordinator.Outcome          `json:"outcome"`
	ExpectedFee finance.Amount                `json:"expected_fee"`
	Releases    []*contracts.ReleaseRecord    `json:"releases"`
	History     []*contracts.TransitionRecord `json:"history"`
	LedgerHead  string                        `json:"ledger_head"`
	LedgerValid bool                          `json:"ledger_valid"`
}

func runDemo(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("demo", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		deposit    = cmd.String("deposit", "20", "Initial session deposit")
		selector   = cmd.String("selector", "agent.latency_ms <= 2000", "CEL candidate selection policy")
		jsonOutput = cmd.Bool("json", false, "Output the report as JSON")
		showAudit  = cmd.Bool("audit", false, "Stream audit entries to stderr as JSON lines")
	)
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	amount, err := finance.ParseAmount(*deposit)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --deposit: %v\n", err)
		return 2
	}
	sel, err := coordinator.NewSelector(*selector)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --selector: %v\n", err)
		return 2
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var rec audit.Recorder
	if *showAudit {
		rec = audit.NewWriterRecorder(stderr)
	}
	s, err := buildStack(ctx, stackOptions{
		cfg:      &config.Config{LedgerTimeout: 5 * time.Second},
		policy:   config.DefaultPolicy(),
		logger:   logger,
		recorder: rec,
		selector: sel,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer s.Close()

	var authorized []string
	for _, a := range demoProviders {
		if err := s.registry.Register(a); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: register %s: %v\n", a.Address, err)
			return 1
		}
		if a.Address != "0xrogue-executor" {
			authorized = append(authorized, a.Address)
		}
	}

	sess, err := s.engine.OpenSession(ctx, ledger.SessionSpec{
		Owner:       "0xdemo-owner",
		EscrowAgent: "0xdemo-escrow",
		MaxSpend:    finance.MustParse("50"),
		Duration:    time.Hour,
		Agents:      authorized,
	}, amount)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open session: %v\n", err)
		return 1
	}
	p, err := s.machine.CreateProcess(ctx, map[string]string{"source": "demo"})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	out, err := s.coordinator.Run(ctx, p.ID, sess.ID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: run process: %v\n", err)
		return 1
	}

	report := demoReport{Outcome: out, LedgerHead: s.ledger.Head()}
	if report.Session, err = s.engine.Session(ctx, sess.ID); err == nil {
		report.ExpectedFee, err = s.machine.ExpectedFee(ctx, p.ID)
	}
	if err == nil {
		report.Releases, err = s.engine.Releases(ctx, sess.ID)
	}
	if err == nil {
		report.History, err = s.machine.History(ctx, p.ID)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	report.LedgerValid = s.ledger.Verify() == nil

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		printDemo(stdout, report)
	}
	if !out.OK || !report.LedgerValid {
		return 1
	}
	return 0
}

func printDemo(w io.Writer, r demoReport) {
	_, _ = fmt.Fprintf(w, "process %s -> %s\n", r.Outcome.ProcessID, r.Outcome.State)
	for _, st := range r.Outcome.Steps {
		_, _ = fmt.Fprintf(w, "  %-12s -> %-12s %-18s %8s  %s\n", st.From, st.To, st.Agent, st.Cost, st.TxRef)
	}
	if !r.Outcome.OK {
		_, _ = fmt.Fprintf(w, "stopped: %s %s\n", r.Outcome.Reason, r.Outcome.Detail)
	}
	_, _ = fmt.Fprintf(w, "spent %s (table says %s); session released %s of %s deposited\n",
		r.Outcome.Spent, r.ExpectedFee, r.Session.Released, r.Session.Deposited)
	_, _ = fmt.Fprintf(w, "release records: %d, transition records: %d\n", len(r.Releases), len(r.History))
	_, _ = fmt.Fprintf(w, "ledger head %s valid=%t\n", r.LedgerHead, r.LedgerValid)
}
