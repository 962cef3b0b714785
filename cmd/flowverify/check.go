package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"static-flow-verifier/internal/model"
	"static-flow-verifier/internal/parser"
	"static-flow-verifier/internal/query"
)

var (
	checkSource string
	flowsFile   string
	outFile     string
)

var resultHeader = []string{"line", "source", "destination", "application", "expect", "decision", "passed", "matched_rules", "reason", "flow_count"}

type checkResult struct {
	line int
	model.CheckResult
}

type checkSummary struct {
	Total  uint64
	Failed uint64
}

func newCheckCmd() *cobra.Command {
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Check a file of expected flows against compiled rules",
		Long: `check evaluates every row of a flow CSV (Source, Destination,
Application, Expect) against a rule set and writes one result row per check.
It fails if any expectation does not hold.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := runChecks(cmd.Context(), checkSource, flowsFile, outFile, workers)
			if err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d flow checks failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}

	checkCmd.Flags().StringVar(&checkSource, "source", "", "Source name or rule file to check against (required)")
	checkCmd.Flags().StringVar(&flowsFile, "flows", "", "Flow check CSV file (required)")
	checkCmd.Flags().StringVar(&outFile, "out", "results.csv", "Output CSV file for check results")
	checkCmd.MarkFlagRequired("source")
	checkCmd.MarkFlagRequired("flows")
	return checkCmd
}

func runChecks(ctx context.Context, source, flowsPath, outPath string, workerCount int) (checkSummary, error) {
	startTime := time.Now()
	rules, err := loadRules(ctx, source)
	if err != nil {
		slog.Error("Failed to load rules", "source", source, "error", err)
		return checkSummary{}, err
	}
	evaluator := query.NewEvaluator(rules)

	f, err := os.Open(flowsPath)
	if err != nil {
		slog.Error("Failed to open flow check file", "path", flowsPath, "error", err)
		return checkSummary{}, err
	}
	checks, err := parser.ParseFlowChecks(f)
	f.Close()
	if err != nil {
		return checkSummary{}, err
	}
	total := uint64(len(checks))
	slog.Info("Flow checks parsed", "checks", total)

	out, err := os.Create(outPath)
	if err != nil {
		slog.Error("Failed to create output file", "path", outPath, "error", err)
		return checkSummary{}, err
	}
	defer out.Close()

	var completed uint64
	progressDone := make(chan struct{})
	go reportProgress(total, &completed, progressDone)

	workerCount = max(1, workerCount)
	tasks := make(chan model.FlowCheck, workerCount*100)
	results := make(chan checkResult, workerCount*100)

	var wg sync.WaitGroup
	slog.Info("Starting check workers", "count", workerCount)
	for i := range workerCount {
		wg.Add(1)
		go worker(&wg, i+1, evaluator, tasks, results)
	}

	var summary checkSummary
	var writerErr error
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		summary, writerErr = resultWriter(results, csv.NewWriter(out), &completed)
	}()

	for _, c := range checks {
		tasks <- c
	}
	close(tasks)

	wg.Wait()
	close(results)
	writerWg.Wait()
	close(progressDone)

	if writerErr != nil {
		return summary, fmt.Errorf("write results: %w", writerErr)
	}
	slog.Info("Checks complete", "total", summary.Total, "failed", summary.Failed, "output_file", outPath, "duration", time.Since(startTime))
	return summary, nil
}

func reportProgress(total uint64, completed *uint64, done <-chan struct{}) {
	if total == 0 {
		return
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var lastLogged uint64
	for {
		select {
		case <-ticker.C:
			n := atomic.LoadUint64(completed)
			if n == lastLogged {
				continue
			}
			percent := float64(n) / float64(total) * 100
			slog.Info("Progress", "total_checks", total, "completed_checks", n, "percent", fmt.Sprintf("%.2f", percent))
			lastLogged = n
			if n >= total {
				return
			}
		case <-done:
			return
		}
	}
}

func worker(wg *sync.WaitGroup, id int, evaluator *query.Evaluator, tasks <-chan model.FlowCheck, results chan<- checkResult) {
	defer wg.Done()
	slog.Debug("Worker started", "id", id)
	for task := range tasks {
		results <- checkResult{line: task.Line, CheckResult: evaluator.Evaluate(&task)}
	}
	slog.Debug("Worker finished", "id", id)
}

func resultWriter(results <-chan checkResult, w *csv.Writer, completed *uint64) (checkSummary, error) {
	var summary checkSummary
	w.Write(resultHeader)
	for r := range results {
		w.Write(resultRecord(r))
		if !r.Passed {
			summary.Failed++
			slog.Warn("Flow check failed", "line", r.line, "source", r.Source, "destination", r.Destination,
				"application", r.Application, "expect", r.Expect, "decision", r.Decision, "reason", r.Reason)
		}
		summary.Total++
		atomic.StoreUint64(completed, summary.Total)
	}
	w.Flush()
	return summary, w.Error()
}

func resultRecord(r checkResult) []string {
	return []string{
		strconv.Itoa(r.line),
		r.Source,
		r.Destination,
		r.Application,
		string(r.Expect),
		string(r.Decision),
		strconv.FormatBool(r.Passed),
		strings.Join(r.MatchedRules, ";"),
		r.Reason,
		strconv.FormatUint(r.FlowCount, 10),
	}
}
