package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/process"
	"github.com/Mindburn-Labs/helm-pay/pkg/store"
	"github.com/redis/go-redis/v9"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // ok, warn, fail
	Detail string `json:"detail,omitempty"`
}

func runDoctor(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := config.Load()

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	pol, err := loadPolicy(cfg.PolicyFile)
	switch {
	case err != nil:
		results = append(results, checkResult{Name: "policy", Status: "fail", Detail: err.Error()})
	case cfg.PolicyFile == "":
		results = append(results, checkResult{Name: "policy", Status: "warn", Detail: "HELM_PAY_POLICY_FILE not set, using defaults"})
	default:
		results = append(results, checkResult{Name: "policy", Status: "ok", Detail: "version " + pol.Version.String()})
	}
	if pol != nil {
		if _, err := process.NewGraph(pol.Costs); err != nil {
			results = append(results, checkResult{Name: "transition_graph", Status: "fail", Detail: err.Error()})
		} else {
			results = append(results, checkResult{Name: "transition_graph", Status: "ok"})
		}
	}

	if cfg.DatabaseURL == "" {
		results = append(results, checkResult{Name: "database", Status: "warn", Detail: "DATABASE_URL not set, state is in memory"})
	} else if st, err := store.Open(ctx, cfg.DatabaseURL); err != nil {
		results = append(results, checkResult{Name: "database", Status: "fail", Detail: err.Error()})
	} else {
		_ = st.Close()
		results = append(results, checkResult{Name: "database", Status: "ok", Detail: "schema ready"})
	}

	switch {
	case cfg.DatabaseURL == "":
		results = append(results, checkResult{Name: "ledger", Status: "ok", Detail: "in-memory, matches the in-memory store"})
	case cfg.AllowVolatileLedger:
		results = append(results, checkResult{Name: "ledger", Status: "warn", Detail: "in-memory behind a durable store, balances are lost on restart"})
	default:
		results = append(results, checkResult{Name: "ledger", Status: "fail", Detail: errVolatileLedger.Error()})
	}

	if cfg.RedisAddr == "" {
		results = append(results, checkResult{Name: "redis", Status: "warn", Detail: "REDIS_ADDR not set, policy state is per process"})
	} else {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			results = append(results, checkResult{Name: "redis", Status: "fail", Detail: err.Error()})
		} else {
			results = append(results, checkResult{Name: "redis", Status: "ok", Detail: cfg.RedisAddr})
		}
		_ = client.Close()
	}

	if cfg.AdminSecret == "" {
		results = append(results, checkResult{Name: "admin_secret", Status: "warn", Detail: "HELM_PAY_ADMIN_SECRET not set, admin routes are closed"})
	} else {
		results = append(results, checkResult{Name: "admin_secret", Status: "ok"})
	}

	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"ok": allOK, "checks": results})
	} else {
		for _, r := range results {
			_, _ = fmt.Fprintf(stdout, "[%-4s] %-16s %s\n", r.Status, r.Name, r.Detail)
		}
	}
	if !allOK {
		return 1
	}
	return 0
}
