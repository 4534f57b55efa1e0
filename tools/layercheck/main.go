// Command layercheck enforces the package layering of helm-pay.
//
// The authorization core (pkg/session, pkg/process and everything they
// build on) must decide without reaching up into the coordinator, agent
// discovery, the HTTP transport or the binary.
//
// Usage:
//
//	go run ./tools/layercheck [-root <module-root>]
package main

import (
	"flag"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const modulePath = "github.com/Mindburn-Labs/helm-pay"

// corePackages are the directories under pkg/ that make up the decision core.
var corePackages = []string{
	"audit",
	"canonicalize",
	"config",
	"contracts",
	"finance",
	"ledger",
	"nonce",
	"observability",
	"process",
	"ratelimit",
	"security",
	"session",
	"store",
}

// forbidden import paths for core packages.
var forbidden = []string{
	modulePath + "/pkg/api",
	modulePath + "/pkg/client",
	modulePath + "/pkg/coordinator",
	modulePath + "/pkg/discovery",
	modulePath + "/cmd",
}

// Violation is one offending import.
type Violation struct {
	File   string
	Line   int
	Import string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s:%d imports %q", v.File, v.Line, v.Import)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("layercheck", flag.ContinueOnError)
	flags.SetOutput(stderr)
	root := flags.String("root", ".", "module root")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	violations, err := scan(*root)
	if err != nil {
		fmt.Fprintf(stderr, "layercheck: %v\n", err)
		return 1
	}
	for _, v := range violations {
		fmt.Fprintf(stdout, "LAYER VIOLATION: %s\n", v)
	}
	if len(violations) > 0 {
		fmt.Fprintf(stdout, "%d layer violation(s)\n", len(violations))
		return 1
	}
	fmt.Fprintln(stdout, "layer check passed")
	return 0
}

// scan parses the imports of every non-test Go file in the core packages.
func scan(root string) ([]Violation, error) {
	var out []Violation
	fset := token.NewFileSet()
	for _, pkg := range corePackages {
		dir := filepath.Join(root, "pkg", pkg)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if d.Name() == "testdata" {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}
			for _, imp := range f.Imports {
				p := strings.Trim(imp.Path.Value, `"`)
				if !isForbidden(p) {
					continue
				}
				rel, relErr := filepath.Rel(root, path)
				if relErr != nil {
					rel = path
				}
				out = append(out, Violation{
					File:   filepath.ToSlash(rel),
					Line:   fset.Position(imp.Pos()).Line,
					Import: p,
				})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out, nil
}

func isForbidden(path string) bool {
	for _, f := range forbidden {
		f = strings.TrimSuffix(f, "/")
		if path == f || strings.HasPrefix(path, f+"/") {
			return true
		}
	}
	return false
}
