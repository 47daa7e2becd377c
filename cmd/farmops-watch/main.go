// farmops-watch dispatches one water-consumption analysis and follows it to
// completion from the terminal. An optional JMESPath filter over the outcome
// decides the exit status, so the command composes with cron and shell
// scripts.
//
// Exit codes: 0 on success (and filter match, when given), 1 on failure,
// 2 on usage errors, 3 when the filter does not match, 4 when polling
// timed out.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/farmsight/ops-api/internal/adapters/farmcore"
	"github.com/farmsight/ops-api/internal/bootstrap"
	"github.com/farmsight/ops-api/internal/domain/model"
	"github.com/farmsight/ops-api/internal/service"
)

const (
	exitOK = iota
	exitFailure
	exitUsage
	exitFilterMiss
	exitTimeout
)

type options struct {
	HouseID  string
	FarmID   string
	Filter   string
	Interval time.Duration
	Attempts int
	Quiet    bool
}

func main() {
	logger := bootstrap.InitLogger()
	os.Exit(run(logger)) //nolint:forbidigo // CLI communicates its result through the exit status.
}

func run(logger *slog.Logger) int {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := farmcore.NewClient(farmcore.Config{
		BaseURL:      cfg.Analysis.BaseURL,
		Timeout:      cfg.Analysis.RequestTimeout,
		TokenURL:     cfg.Analysis.TokenURL,
		ClientID:     cfg.Analysis.ClientID,
		ClientSecret: cfg.Analysis.ClientSecret,
	})
	if err != nil {
		logger.Error("create farm-core client", "error", err)
		return exitFailure
	}

	outcome, code := dispatchAndWait(ctx, logger, client, cfg.Analysis.PollErrorTolerance, opts)
	if code != exitOK || outcome == nil {
		return code
	}

	report(outcome, opts.Quiet)

	if opts.Filter != "" {
		return applyFilter(opts.Filter, outcome)
	}
	return exitOK
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("farmops-watch", flag.ContinueOnError)
	fs.StringVar(&opts.HouseID, "house", "", "house identifier to analyse")
	fs.StringVar(&opts.FarmID, "farm", "", "farm identifier to analyse (all houses)")
	fs.StringVar(&opts.Filter, "filter", "", "JMESPath expression over the outcome; non-match exits 3")
	fs.DurationVar(&opts.Interval, "interval", service.DefaultPollInterval, "status poll interval")
	fs.IntVar(&opts.Attempts, "attempts", service.DefaultMaxAttempts, "maximum status poll attempts")
	fs.BoolVar(&opts.Quiet, "quiet", false, "suppress progress output")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.HouseID == "" && opts.FarmID == "" {
		return opts, fmt.Errorf("one of -house or -farm is required")
	}
	return opts, nil
}

// dispatchAndWait starts the analysis and, for deferred runs, polls until a
// terminal outcome, cancellation or timeout.
func dispatchAndWait(
	ctx context.Context,
	logger *slog.Logger,
	client *farmcore.Client,
	tolerance int,
	opts options,
) (*model.AnalysisOutcome, int) {
	result, err := client.Dispatch(ctx, model.AnalysisRequest{
		HouseID: opts.HouseID,
		FarmID:  opts.FarmID,
	})
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		return nil, exitFailure
	}

	switch result.Kind {
	case model.DispatchImmediate:
		return result.Outcome, exitOK

	case model.DispatchFallback:
		if result.Warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", result.Warning)
		}
		return result.Outcome, exitOK

	case model.DispatchDeferred:
		return pollToCompletion(ctx, logger, client, tolerance, opts, result.Handle)

	default:
		logger.Error("unexpected dispatch kind", "kind", result.Kind)
		return nil, exitFailure
	}
}

func pollToCompletion(
	ctx context.Context,
	logger *slog.Logger,
	client *farmcore.Client,
	tolerance int,
	opts options,
	handle model.JobHandle,
) (*model.AnalysisOutcome, int) {
	poller, err := service.NewPoller(service.PollerOptions{
		API:            client,
		Interval:       opts.Interval,
		MaxAttempts:    opts.Attempts,
		ErrorTolerance: tolerance,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("create poller", "error", err)
		return nil, exitFailure
	}

	done := make(chan service.PollOutcome, 1)
	session, err := poller.Start(handle, service.PollCallbacks{
		OnUpdate: func(u service.PollUpdate) {
			if !opts.Quiet {
				fmt.Fprintf(os.Stderr, "attempt %d: %s\n", u.Attempt, u.Status)
			}
		},
		OnTerminal: func(outcome service.PollOutcome) {
			done <- outcome
		},
	})
	if err != nil {
		logger.Error("start polling", "error", err)
		return nil, exitFailure
	}
	defer session.Cancel()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "interrupted; run", handle, "continues server-side")
		return nil, exitFailure

	case outcome := <-done:
		switch outcome.Kind {
		case service.PollSucceeded:
			return outcome.Outcome, exitOK
		case service.PollFailed:
			logger.Error("analysis failed", "reason", outcome.Reason)
			return nil, exitFailure
		case service.PollTimedOut:
			fmt.Fprintln(os.Stderr, "gave up waiting; run", handle, "may still finish server-side")
			return nil, exitTimeout
		default:
			return nil, exitFailure
		}
	}
}

func report(outcome *model.AnalysisOutcome, quiet bool) {
	if quiet {
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		fmt.Fprintln(os.Stderr, "encode outcome:", err)
	}
}

// applyFilter evaluates a JMESPath expression against the outcome JSON.
// A truthy result exits 0, anything else exits 3.
func applyFilter(expr string, outcome *model.AnalysisOutcome) int {
	raw, err := json.Marshal(outcome)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode outcome for filter:", err)
		return exitFailure
	}
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		fmt.Fprintln(os.Stderr, "decode outcome for filter:", err)
		return exitFailure
	}

	result, err := jmespath.Search(expr, data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid -filter expression:", err)
		return exitUsage
	}

	if truthy(result) {
		return exitOK
	}
	return exitFilterMiss
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}
