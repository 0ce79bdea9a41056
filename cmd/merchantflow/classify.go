package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/merchantflow/internal/cli"
	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/config"
	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/llm"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/pipeline"
	"github.com/Veraticus/merchantflow/internal/rules"
	"github.com/Veraticus/merchantflow/internal/storage"
	"github.com/Veraticus/merchantflow/internal/versioning"
)

func classifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Extract merchants from statement lines",
		Long: `Run statement lines through the merchant extraction pipeline and bind
each merchant to an entity in the database.

Input is a JSON array of transactions with date, description, amount and
optionally deposit, withdrawal and context_lines. Re-running the same input
is safe: already counted lines are not counted again.

Examples:
  merchantflow classify --input statement.json
  merchantflow classify --input - --output results.json < statement.json
  merchantflow classify --input statement.json --rules-dir ./rules --watch`,
		RunE: runClassify,
	}

	// Flags
	cmd.Flags().StringP("input", "i", "", "JSON file with transactions (- for stdin)")
	cmd.Flags().StringP("output", "o", "", "write classified transactions as JSON (- for stdout)")
	cmd.Flags().String("rules-dir", "", "load rules from this directory instead of the database")
	cmd.Flags().Bool("watch", false, "re-run whenever the rules directory changes")
	cmd.Flags().Bool("promote", false, "promote eligible provisional entities after the run")
	cmd.Flags().Bool("no-progress", false, "hide the progress bar")
	_ = cmd.MarkFlagRequired("input")

	// Bind to viper (errors are rare and can be ignored in practice)
	_ = viper.BindPFlag("rules.dir", cmd.Flags().Lookup("rules-dir"))
	_ = viper.BindPFlag("rules.watch", cmd.Flags().Lookup("watch"))

	return cmd
}

func runClassify(cmd *cobra.Command, _ []string) error {
	input, _ := cmd.Flags().GetString("input")
	output, _ := cmd.Flags().GetString("output")
	promote, _ := cmd.Flags().GetBool("promote")
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Rules.Watch && cfg.Rules.Dir == "" {
		return common.NewUserError("--watch needs a rules directory (--rules-dir or rules.dir)", nil)
	}

	handler := cli.NewInterruptHandler(cmd.ErrOrStderr(), input)
	ctx := handler.HandleInterrupts(cmd.Context())
	defer handler.Stop()

	raws, err := readTransactions(cmd.InOrStdin(), input)
	if err != nil {
		return err
	}
	if len(raws) == 0 {
		return common.NewUserError(fmt.Sprintf("%s holds no transactions", input), common.ErrNoTransactions)
	}

	store, err := initStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store)

	engine := versioning.NewEngine(store)
	set, err := currentRuleSet(ctx, cfg, engine)
	if err != nil {
		return err
	}

	client, err := fallbackClient(cfg)
	if err != nil {
		return err
	}

	runner := &batchRunner{
		store:        store,
		cfg:          cfg,
		client:       client,
		out:          cmd.OutOrStdout(),
		progressOut:  cmd.ErrOrStderr(),
		input:        input,
		output:       output,
		promote:      promote,
		showProgress: !noProgress,
		tracker:      handler,
	}

	if !cfg.Rules.Watch {
		_, err := runner.run(ctx, set, raws)
		if handler.WasInterrupted() {
			resolved, total := handler.Resolved()
			slog.Info("classification interrupted", "input", input, "resolved", resolved, "total", total)
			return nil
		}
		return err
	}
	return runner.watch(ctx, set, raws)
}

// batchRunner classifies one input and records the run.
type batchRunner struct {
	store        *storage.SQLiteStorage
	cfg          *config.Config
	client       llm.Client
	out          io.Writer
	progressOut  io.Writer
	input        string
	output       string
	promote      bool
	showProgress bool
	tracker      *cli.InterruptHandler
}

func (r *batchRunner) newPipeline(set *rules.Set, progress func(done, total int)) *pipeline.Pipeline {
	opts := []pipeline.Option{pipeline.WithWorkers(r.cfg.Workers)}
	if r.client != nil {
		opts = append(opts, pipeline.WithExternalFallback(r.client, r.cfg.Fallback.LLM.Timeout, r.cfg.Fallback.MinConfidence))
	}
	if progress != nil {
		opts = append(opts, pipeline.WithProgress(progress))
	}
	return pipeline.New(set, pipeline.NewResolver(r.store, r.cfg.Resolver), opts...)
}

func (r *batchRunner) run(ctx context.Context, set *rules.Set, raws []model.RawTransaction) (pipeline.Summary, error) {
	started := time.Now()

	var bar *cli.Progress
	var progress func(done, total int)
	if r.showProgress && len(raws) > 0 {
		bar = cli.NewProgress(r.progressOut, len(raws), "Classifying")
		progress = bar.Update
	}
	if r.tracker != nil {
		progress = r.tracker.Wrap(progress)
	}

	txns := r.newPipeline(set, progress).ProcessBatch(ctx, raws)
	if bar != nil {
		bar.Finish()
	}
	summary := pipeline.Summarize(txns)

	if r.output != "" {
		if err := r.writeOutput(txns); err != nil {
			return summary, err
		}
	}

	run := &storage.Run{
		StartedAt:  started,
		FinishedAt: time.Now(),
		Input:      r.input,
		Rules:      set.Fingerprint(),
		Summary:    summary,
	}
	// The run is recorded even when interrupted; entities resolved so far
	// are already stored.
	if err := r.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		return summary, fmt.Errorf("failed to record run: %w", err)
	}

	if _, err := fmt.Fprintln(r.out, cli.RenderSummary(summary)); err != nil {
		return summary, err
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if r.promote {
		promoted, err := entity.NewPromoter(r.store, r.cfg.Promotion, r.cfg.Resolver.Retry).Run(ctx, time.Now())
		if err != nil {
			return summary, fmt.Errorf("promotion failed: %w", err)
		}
		fmt.Fprintln(r.out, cli.FormatSuccess(fmt.Sprintf("Promoted %d entities to canonical", len(promoted))))
	}

	common.LogInfo("Classification run recorded", common.Fields{
		"run_id":             run.ID,
		"transactions":       summary.Total,
		"needs_verification": summary.NeedsVerification,
	})
	return summary, nil
}

// watch runs once, then again each time the rules directory reloads.
func (r *batchRunner) watch(ctx context.Context, set *rules.Set, raws []model.RawTransaction) error {
	if _, err := r.run(ctx, set, raws); err != nil {
		return err
	}

	reloads := make(chan *rules.Set, 1)
	w, err := rules.NewWatcher(r.cfg.Rules.Dir, func(next *rules.Set) {
		// Keep only the newest set if a run is still in progress.
		select {
		case <-reloads:
		default:
		}
		reloads <- next
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(r.out, cli.FormatInfo(fmt.Sprintf("Watching %s for rule changes. Press Ctrl+C to stop.", r.cfg.Rules.Dir)))

	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	p.Go(w.Run)
	p.Go(func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case next := <-reloads:
				slog.Info("Rules changed, re-running classification", "rules", next.Fingerprint())
				if _, err := r.run(ctx, next, raws); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			}
		}
	})
	return p.Wait()
}

func (r *batchRunner) writeOutput(txns []*model.Transaction) error {
	if r.output == "-" {
		return writeTransactions(r.out, txns)
	}
	f, err := os.Create(r.output) //nolint:gosec // output path comes from the user
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if err := writeTransactions(f, txns); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeTransactions(w io.Writer, txns []*model.Transaction) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(txns); err != nil {
		return fmt.Errorf("failed to write transactions: %w", err)
	}
	return nil
}

// readTransactions decodes a JSON array of statement lines from path, or
// from stdin when path is "-".
func readTransactions(stdin io.Reader, path string) ([]model.RawTransaction, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path) //nolint:gosec // input path comes from the user
		if err != nil {
			return nil, common.NewUserError(fmt.Sprintf("Cannot open %s", path), err)
		}
		defer func() { _ = f.Close() }()
		r = f
	}

	var raws []model.RawTransaction
	if err := json.NewDecoder(r).Decode(&raws); err != nil {
		return nil, common.NewUserError("Input must be a JSON array of transactions", err)
	}
	for i, raw := range raws {
		if raw.Description == "" {
			return nil, common.NewUserError(fmt.Sprintf("Transaction %d has no description", i), nil)
		}
	}
	return raws, nil
}

// fallbackClient builds the external classifier when enabled.
func fallbackClient(cfg *config.Config) (llm.Client, error) {
	if !cfg.Fallback.Enabled {
		return nil, nil
	}
	client, err := llm.NewClient(cfg.Fallback.LLM)
	if err != nil {
		return nil, common.NewUserError("External classifier is enabled but could not be created", err)
	}
	slog.Info("External classifier enabled", "provider", cfg.Fallback.LLM.Provider, "model", cfg.Fallback.LLM.Model)
	return client, nil
}
