// Command tokenforge-inspect prints diagnostic reports for token strings.
// It never verifies signatures; the output is for debugging, not for
// authorization.
//
// Usage:
//
//	tokenforge-inspect <token>
//	tokenforge-inspect -compare <token-a> <token-b>
//	tokenforge-inspect -assess <token>
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/tokenforge/tokenforge"
)

func main() {
	var (
		compare = flag.Bool("compare", false, "compare two tokens claim by claim")
		assess  = flag.Bool("assess", false, "print only the security assessment")
	)
	flag.Parse()

	args := flag.Args()
	inspector := tokenforge.NewTokenIntrospector()

	switch {
	case *compare:
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "-compare requires exactly two tokens")
			os.Exit(2)
		}
		printJSON(inspector.CompareTokens(args[0], args[1]))
	case *assess:
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "-assess requires exactly one token")
			os.Exit(2)
		}
		printJSON(inspector.AssessTokenSecurity(args[0]))
	default:
		if len(args) != 1 {
			fmt.Fprintln(os.Stderr, "usage: tokenforge-inspect [-compare|-assess] <token> [token]")
			os.Exit(2)
		}
		report := inspector.Introspect(args[0])
		printJSON(report)
		if !report.Valid {
			os.Exit(1)
		}
	}
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
