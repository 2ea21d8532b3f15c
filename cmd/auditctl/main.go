// Command auditctl inspects the optional SQLite audit sink a
// guardrail-mcp deployment can be configured to write to
// (AUDIT_SQLITE_PATH), without needing a running server or direct
// database/sql access.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/thearchitectit/guardrail-mcp/internal/audit"
)

func main() {
	var (
		dbPath   = flag.String("db", "", "Path to the audit SQLite database (required)")
		limit    = flag.Int("limit", 20, "Maximum number of events to show")
		severity = flag.String("severity", "", "Filter by severity: info, warning, critical")
		summary  = flag.Bool("summary", false, "Print event counts by severity instead of a listing")
	)
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "auditctl: -db is required")
		flag.Usage()
		os.Exit(2)
	}

	sink, err := audit.NewSQLiteSink(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditctl: %v\n", err)
		os.Exit(1)
	}
	defer sink.Close()

	if *summary {
		if err := printSummary(sink); err != nil {
			fmt.Fprintf(os.Stderr, "auditctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var events []audit.Event
	if *severity != "" {
		events, err = sink.Severity(*severity, *limit)
	} else {
		events, err = sink.Recent(*limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "auditctl: %v\n", err)
		os.Exit(1)
	}
	printEvents(events)
}

func printEvents(events []audit.Event) {
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "TIMESTAMP\tSEVERITY\tTYPE\tLAYER\tMETHOD\tREASON")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Severity, e.Type, e.Layer, e.Method, e.Reason)
	}
}

func printSummary(sink *audit.SQLiteSink) error {
	counts, err := sink.CountBySeverity()
	if err != nil {
		return err
	}

	severities := make([]string, 0, len(counts))
	for s := range counts {
		severities = append(severities, s)
	}
	sort.Strings(severities)

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "SEVERITY\tCOUNT")
	for _, s := range severities {
		fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
	}
	return nil
}
