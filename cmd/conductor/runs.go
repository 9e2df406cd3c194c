package main

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/conductor/internal/controlplane"
	"github.com/fentz26/conductor/internal/models"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List active runs",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Show a run and its spans",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel every open span of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsCancel,
}

var stuckCmd = &cobra.Command{
	Use:   "stuck",
	Short: "List runs with no recent activity",
	Args:  cobra.NoArgs,
	RunE:  runStuck,
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "Show the most frequent failure reasons",
	Args:  cobra.NoArgs,
	RunE:  runFailures,
}

var (
	cancelReason  string
	failuresLimit int
)

func init() {
	runsCmd.AddCommand(runsShowCmd, runsCancelCmd)
	runsCancelCmd.Flags().StringVar(&cancelReason, "reason", "", "Reason code recorded on the canceled spans")
	failuresCmd.Flags().IntVar(&failuresLimit, "limit", 20, "Maximum number of reasons")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	var runs []models.ActiveRun
	if err := apiGet("/v1/runs/active", &runs); err != nil {
		return err
	}
	printActiveRuns(cmd.OutOrStdout(), runs)
	return nil
}

func printActiveRuns(out io.Writer, runs []models.ActiveRun) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No active runs")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tLAYER\tSTEP\tSTATUS\tHOST\tIDLE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.RunID), r.Layer, truncate(r.StepName, 32), r.Status, r.ExecutorHost, idle(r.SecondsSinceActivity))
	}
	w.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	var run controlplane.RunDetail
	if err := apiGet("/v1/runs/"+args[0], &run); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s\n", run.RunID)
	fmt.Fprintf(out, "Status:  %s\n", run.Status)
	if run.ReasonCode != nil {
		fmt.Fprintf(out, "Reason:  %s (%s)\n", *run.ReasonCode, run.ReasonKind)
	}
	fmt.Fprintf(out, "Spans:   %d (%d open)\n\n", run.SpanCount, run.OpenSpans)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tSPAN\tPARENT\tLAYER\tSTEP\tSTATUS\tATTEMPT\tREASON\tSTARTED")
	for _, s := range run.Spans {
		reason := ""
		if s.ReasonCode != nil {
			reason = *s.ReasonCode
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.Seq, truncateID(s.SpanID), truncateID(s.ParentSpanID), s.Layer, truncate(s.StepName, 32),
			s.Status, s.Attempt, reason, s.TsStart.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runRunsCancel(cmd *cobra.Command, args []string) error {
	body := map[string]interface{}{}
	if cancelReason != "" {
		body["reason_code"] = cancelReason
	}
	var res struct {
		Closed int `json:"closed"`
	}
	if err := apiSend(http.MethodPost, "/v1/runs/"+args[0]+"/cancel", body, &res); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Canceled %d open span(s) of run %s\n", res.Closed, args[0])
	return nil
}

func runStuck(cmd *cobra.Command, args []string) error {
	var runs []models.StuckRun
	if err := apiGet("/v1/runs/stuck", &runs); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "No stuck runs")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tLAST ALIVE SPAN\tSTEP\tSTATUS\tIDLE\tDETECTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.RunID), truncateID(r.LastAliveSpanID), truncate(r.StepName, 32), r.Status,
			idle(r.SecondsSinceActivity), r.DetectedAt.Format(time.RFC3339))
	}
	w.Flush()
	return nil
}

func runFailures(cmd *cobra.Command, args []string) error {
	var stats []models.FailureStats
	if err := apiGet("/v1/failures?limit="+strconv.Itoa(failuresLimit), &stats); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(stats) == 0 {
		fmt.Fprintln(out, "No failures recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REASON\tKIND\tCOUNT\tLAST\tEXAMPLE RUN")
	for _, s := range stats {
		code := "-"
		if s.ReasonCode != nil {
			code = *s.ReasonCode
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			code, s.ReasonKind, s.Count, s.LastOccurred.Format(time.RFC3339), truncateID(s.ExampleRunID))
	}
	w.Flush()
	return nil
}

// --- Helpers ---

func idle(seconds float64) string {
	return (time.Duration(seconds) * time.Second).Round(time.Second).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
