package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/Mindburn-Labs/helm-pay/pkg/config"
	"github.com/Mindburn-Labs/helm-pay/pkg/process"
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "demo":
		return runDemo(args[2:], stdout, stderr)
	case "graph":
		return runGraph(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "version", "--version":
		_, _ = fmt.Fprintf(stdout, "helm-pay %s (%s %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
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
	_, _ = fmt.Fprintf(w, "helm-pay %s\n\n", version)
	_, _ = fmt.Fprintln(w, "USAGE:")
	_, _ = fmt.Fprintln(w, "  helm-pay <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "COMMANDS:")
	printCommand(w, "serve", "Run the HTTP server (default)")
	printCommand(w, "demo", "Drive one settlement process end to end in memory")
	printCommand(w, "graph", "Print the transition graph as Graphviz DOT (--policy)")
	printCommand(w, "doctor", "Check configuration and backing services (--json)")
	printCommand(w, "token", "Mint a bearer token (--subject, --scope release|admin)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	_, _ = fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

// loadPolicy returns the configured policy file, or the defaults.
func loadPolicy(path string) (*config.Policy, error) {
	if path == "" {
		return config.DefaultPolicy(), nil
	}
	return config.LoadPolicy(path)
}

func runGraph(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("graph", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	policyPath := cmd.String("policy", os.Getenv("HELM_PAY_POLICY_FILE"), "Policy YAML with a cost table")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	pol, err := loadPolicy(*policyPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	g, err := process.NewGraph(pol.Costs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := g.WriteDOT(stdout); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
