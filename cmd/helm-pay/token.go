package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/Mindburn-Labs/helm-pay/pkg/api"
	"github.com/Mindburn-Labs/helm-pay/pkg/config"
)

// runToken mints a bearer token signed with HELM_PAY_ADMIN_SECRET.
func runToken(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	subject := cmd.String("subject", "", "Token subject; for release tokens the escrow agent address")
	scope := cmd.String("scope", "release", "release or admin")
	ttl := cmd.Duration("ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		_, _ = fmt.Fprintln(stderr, "token: --subject is required")
		return 2
	}
	var scopes []string
	switch *scope {
	case "release":
		scopes = []string{api.ReleaseScope}
	case "admin":
		scopes = []string{api.AdminScope, api.ReleaseScope}
	default:
		_, _ = fmt.Fprintf(stderr, "token: unknown scope %q\n", *scope)
		return 2
	}

	auth := api.NewAdminAuth(config.Load().AdminSecret)
	if auth == nil {
		_, _ = fmt.Fprintln(stderr, "token: HELM_PAY_ADMIN_SECRET is not set")
		return 1
	}
	tok, err := auth.IssueScoped(*subject, *ttl, scopes...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
