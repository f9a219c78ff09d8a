package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	flag "github.com/spf13/pflag"

	"github.com/vegasmandawg/sonia-core/internal/gate"
	"github.com/vegasmandawg/sonia-core/internal/telemetry"
)

func main() {
	fs := flag.NewFlagSet("gate-runner", flag.ExitOnError)

	gatesDir := fs.String("gates-dir", "", "directory containing manifest.json describing the gates to run")
	out := fs.String("out", "", "path to write the matrix JSON report (defaults to stdout only)")
	class := fs.String("class", "", "restrict the run to a single gate class (A, B, or C)")
	dryRun := fs.Bool("dry-run", false, "load and validate the gate manifest without executing any gate")
	jsonOut := fs.Bool("json", false, "print the matrix report as JSON to stdout instead of a human summary")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: gate-runner --gates-dir DIR [options]

Runs the promotion gate matrix: a fixed, ordered list of gate commands
grouped into classes A (inherited floor, fail-fast), B (delta), and C
(cross-cutting evidence). Each gate runs once; a transient failure gets
one retry after a short jittered backoff. A Class A gate that still
fails after retry stops the run early.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	if *gatesDir == "" {
		fmt.Fprintln(os.Stderr, "gate-runner: --gates-dir is required")
		fs.Usage()
		os.Exit(2)
	}

	gateClass := gate.Class(*class)
	switch gateClass {
	case "", gate.ClassA, gate.ClassB, gate.ClassC:
	default:
		fmt.Fprintf(os.Stderr, "gate-runner: invalid --class %q\n", *class)
		os.Exit(2)
	}

	specs, err := gate.LoadManifest(*gatesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gate-runner: %v\n", err)
		os.Exit(1)
	}

	if *dryRun {
		fmt.Printf("gate-runner: manifest valid, %d gate(s) declared\n", len(specs))
		return
	}

	runner := gate.New(specs, gate.WithLogger(telemetry.NewNoopLogger()))
	matrix, err := runner.Run(context.Background(), gateClass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gate-runner: run failed: %v\n", err)
		os.Exit(1)
	}

	if *out != "" {
		raw, err := json.MarshalIndent(matrix, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "gate-runner: encode report: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*out, raw, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "gate-runner: write report: %v\n", err)
			os.Exit(1)
		}
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(matrix)
	} else {
		printSummary(matrix)
	}

	if matrix.Verdict != gate.VerdictPromote {
		os.Exit(1)
	}
}

func printSummary(matrix gate.Matrix) {
	verdictColor := color.New(color.FgGreen, color.Bold)
	if matrix.Verdict != gate.VerdictPromote {
		verdictColor = color.New(color.FgRed, color.Bold)
	}

	fmt.Printf("verdict: ")
	verdictColor.Println(string(matrix.Verdict))
	fmt.Printf("gates: %d/%d passed in %.0fms\n", matrix.GatesPass, matrix.GatesTotal, matrix.ElapsedMS)

	for _, g := range matrix.Gates {
		marker := color.New(color.FgGreen).Sprint("PASS")
		if !g.Passed {
			marker = color.New(color.FgRed).Sprint("FAIL")
		}
		fmt.Printf("  [%s] %-24s class=%s attempts=%d %.0fms", marker, g.Name, g.Class, g.Attempts, g.DurationMS)
		if g.FailureClass != "" {
			fmt.Printf(" (%s)", g.FailureClass)
		}
		fmt.Println()
	}
}
