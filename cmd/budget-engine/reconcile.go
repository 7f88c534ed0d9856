package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var flagAsOf string

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print its report",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&flagAsOf, "as-of", "", "Reference instant: YYYY-MM-DD or RFC 3339 (default now)")
}

// parseAsOf reads a date in loc or a full RFC 3339 instant.
func parseAsOf(s string, loc *time.Location, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--as-of %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	loc, err := a.cfg.Location()
	if err != nil {
		return err
	}
	asOf, err := parseAsOf(flagAsOf, loc, time.Now())
	if err != nil {
		return err
	}

	report, err := a.scheduler.RunReconciliationPass(cmd.Context(), asOf)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if len(report.Errors) > 0 {
		return fmt.Errorf("%d scope(s) failed", len(report.Errors))
	}
	return nil
}
