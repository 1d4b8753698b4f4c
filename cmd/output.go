package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ── Unified output helpers ────────────────────────────────────────────────────
// All commands use these functions to ensure consistent icon usage and
// indentation throughout listen's CLI output.
//
// Icon semantics:
//   ✓  success / healthy
//   ✗  error / failure          (written to stderr)
//   ⚠  warning / degraded
//   ○  skipped / not applicable
//   -  not found / missing
//   ~  neutral info / state change

// stdout is where command output goes; tests swap it.
var stdout io.Writer = os.Stdout

// printSection prints a top-level section header, e.g. "=== Status ===".
func printSection(title string) {
	fmt.Fprintf(stdout, "\n=== %s ===\n", title)
}

// printBullet prints a grouped-section bullet, e.g. "● Failed:".
func printBullet(title string) {
	fmt.Fprintf(stdout, "\n● %s\n", title)
}

// printOK prints a success line.
//   name = "" → "  ✓  msg"
//   name set  → "  ✓  [name] msg"
func printOK(name, msg string) {
	printLine(stdout, "✓", name, msg)
}

// printErr prints an error line to stderr.
func printErr(name, msg string) {
	printLine(os.Stderr, "✗", name, msg)
}

// printWarn prints a warning line.
func printWarn(name, msg string) {
	printLine(stdout, "⚠", name, msg)
}

// printSkip prints a skipped / not-applicable line.
func printSkip(name, msg string) {
	printLine(stdout, "○", name, msg)
}

// printMiss prints a not-found / missing line.
func printMiss(name, msg string) {
	printLine(stdout, "-", name, msg)
}

// printInfo prints a neutral informational / state-change line.
func printInfo(name, msg string) {
	printLine(stdout, "~", name, msg)
}

func printLine(w io.Writer, icon, name, msg string) {
	if name == "" {
		fmt.Fprintf(w, "  %s  %s\n", icon, msg)
	} else {
		fmt.Fprintf(w, "  %s  [%s] %s\n", icon, name, msg)
	}
}

// printJSON writes v as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
