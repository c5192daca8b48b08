// Package lint provides static analysis checks for the ci API.
//
// This analyzer detects common mistakes when building plans with the ci
// package:
//   - Empty string literals passed to NewPlan(), Job(), RunsOn(), etc.
//   - Action references without a version pin, or pinned to a moving
//     tag like @latest or @main
//   - Needs() with no arguments or duplicate job names
//   - Step constructors with an empty script
//
// Usage:
//
//	go install github.com/example/gantry/cmd/gantry-lint@latest
//	gantry-lint ./...
package lint

import (
	"go/ast"
	"go/token"
	"strings"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// Analyzer is the ci lint analyzer.
var Analyzer = &analysis.Analyzer{
	Name:     "cilint",
	Doc:      "checks for common ci plan-building mistakes",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

// Moving refs that defeat the point of pinning.
var movingPins = map[string]bool{
	"latest": true,
	"main":   true,
	"master": true,
	"head":   true,
}

func run(pass *analysis.Pass) (interface{}, error) {
	inspect := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.CallExpr)(nil)}

	inspect.Preorder(nodeFilter, func(n ast.Node) {
		call := n.(*ast.CallExpr)

		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return
		}
		checkSelectorCall(pass, call, sel)
	})

	return nil, nil
}

// checkSelectorCall inspects calls like ci.NewPlan("...") and chained
// builder calls like .Job("...").Needs("a", "b").
func checkSelectorCall(pass *analysis.Pass, call *ast.CallExpr, sel *ast.SelectorExpr) {
	// Package-level calls must come from ci; method calls on builder
	// chains have an arbitrary receiver expression, so match by method
	// name. The names are distinctive enough not to collide in CI code.
	if pkg, ok := sel.X.(*ast.Ident); ok && pkg.Obj == nil {
		if pkg.Name != "ci" && !isBuilderMethod(sel.Sel.Name) {
			return
		}
	}

	name := sel.Sel.Name

	switch name {
	case "NewPlan", "Job", "RunsOn", "Env":
		checkEmptyStringArg(pass, call, name, 0)
	case "Step":
		// Step(name, script): an empty script panics at build time
		checkEmptyStringArg(pass, call, name, 1)
	case "RunStep":
		checkEmptyStringArg(pass, call, name, 1)
	case "Uses", "UsesStep":
		checkActionRef(pass, call, name, 1)
	case "Needs":
		checkNeedsArgs(pass, call, name)
	}
}

func isBuilderMethod(name string) bool {
	switch name {
	case "Job", "RunsOn", "Env", "Step", "Uses", "Needs":
		return true
	default:
		return false
	}
}

// checkEmptyStringArg reports if the argument at idx is an empty string
// literal.
func checkEmptyStringArg(pass *analysis.Pass, call *ast.CallExpr, funcName string, idx int) {
	if len(call.Args) <= idx {
		return
	}

	arg := call.Args[idx]
	if lit, ok := arg.(*ast.BasicLit); ok && lit.Kind == token.STRING {
		if lit.Value == `""` || lit.Value == "``" {
			pass.Reportf(lit.Pos(), "%s called with empty string literal - will panic at runtime", funcName)
		}
	}
}

// checkActionRef reports unpinned or moving action references.
func checkActionRef(pass *analysis.Pass, call *ast.CallExpr, funcName string, idx int) {
	if len(call.Args) <= idx {
		return
	}

	ref := extractStringLit(call.Args[idx])
	if ref == "" {
		if lit, ok := call.Args[idx].(*ast.BasicLit); ok && lit.Kind == token.STRING {
			pass.Reportf(lit.Pos(), "%s called with empty string literal - will panic at runtime", funcName)
		}
		return
	}

	at := strings.LastIndex(ref, "@")
	if at <= 0 || at == len(ref)-1 {
		pass.Reportf(call.Args[idx].Pos(), "action reference %q has no version pin - use name@version", ref)
		return
	}

	version := strings.ToLower(ref[at+1:])
	if movingPins[version] {
		pass.Reportf(call.Args[idx].Pos(), "action reference %q is pinned to moving tag %q - pin a version", ref, ref[at+1:])
	}
}

// checkNeedsArgs reports empty and duplicate needs declarations.
func checkNeedsArgs(pass *analysis.Pass, call *ast.CallExpr, funcName string) {
	if len(call.Args) == 0 {
		pass.Reportf(call.Pos(), "%s called with no arguments - this is a no-op", funcName)
		return
	}

	seen := make(map[string]token.Pos)
	for _, arg := range call.Args {
		if name := extractStringLit(arg); name != "" {
			if prevPos, exists := seen[name]; exists {
				pass.Reportf(arg.Pos(), "duplicate needs entry %q (first seen at %v)", name, pass.Fset.Position(prevPos))
			}
			seen[name] = arg.Pos()
		}
	}
}

// extractStringLit extracts a string literal value from an expression.
func extractStringLit(expr ast.Expr) string {
	if lit, ok := expr.(*ast.BasicLit); ok && lit.Kind == token.STRING {
		// Remove quotes
		s := lit.Value
		if len(s) >= 2 {
			return s[1 : len(s)-1]
		}
	}
	return ""
}
