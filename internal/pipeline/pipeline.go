package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/Veraticus/merchantflow/internal/llm"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
	"github.com/sourcegraph/conc/iter"
)

// Follow-up reasons attached to transactions.
const (
	ReasonUnknownType       = "unrecognized transaction type"
	ReasonNoMerchantText    = "no merchant text after noise removal"
	ReasonUnmatchedMerchant = "merchant not matched by any rule"
	ReasonNeedsVerification = "entity needs verification"
	ReasonResolutionFailed  = "entity resolution failed"
	ReasonAmountAnomaly     = "amount unusual for this entity"
	ReasonPanicked          = "processing failed"
)

// Pipeline runs the five stages over statement lines. Stages 1-4 only read
// the immutable rule set and run in parallel; stage 5 writes to the entity
// store and runs in input order so results do not depend on scheduling.
type Pipeline struct {
	types          TypeDetector
	counterparties CounterpartyDetector
	extractor      MerchantExtractor
	disambiguator  Disambiguator
	resolver       EntityResolver
	progress       func(done, total int)
	set            *rules.Set
	workers        int
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWorkers sets how many transactions run stages 1-4 at once.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithDisambiguator replaces the stage 4 implementation.
func WithDisambiguator(d Disambiguator) Option {
	return func(p *Pipeline) { p.disambiguator = d }
}

// WithExternalFallback consults client when no disambiguation rule matches.
func WithExternalFallback(client llm.Client, timeout time.Duration, minConfidence float64) Option {
	return func(p *Pipeline) {
		p.disambiguator = NewExternalFallback(p.disambiguator, client, timeout, minConfidence)
	}
}

// WithProgress registers a callback invoked after each transaction finishes.
func WithProgress(fn func(done, total int)) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// New builds a pipeline over an immutable rule set. A nil resolver stops
// processing after stage 4.
func New(set *rules.Set, resolver EntityResolver, opts ...Option) *Pipeline {
	p := &Pipeline{
		types:          NewTypeDetector(set),
		counterparties: NewCounterpartyDetector(set),
		extractor:      NewMerchantExtractor(set),
		disambiguator:  NewDisambiguator(set),
		resolver:       resolver,
		set:            set,
		workers:        runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Rules returns the rule set the pipeline was built with.
func (p *Pipeline) Rules() *rules.Set {
	return p.set
}

// Classify runs stages 1-4. It returns early, leaving later stages absent,
// when stage 1 says no merchant is expected.
func (p *Pipeline) Classify(ctx context.Context, raw model.RawTransaction) (txn *model.Transaction) {
	txn = model.NewTransaction(raw)
	defer recoverInto(txn)

	c := p.types.DetectType(raw)
	txn.Classification = &c
	if !c.MerchantExpected {
		if c.Type == model.TypeUnknown {
			txn.MarkFollowUp(ReasonUnknownType)
		}
		return txn
	}

	cp := p.counterparties.DetectCounterparty(txn)
	txn.Counterparty = &cp

	ext := p.extractor.ExtractMerchant(txn)
	txn.Extraction = &ext

	d := p.disambiguator.Disambiguate(ctx, txn)
	txn.Disambiguation = &d
	switch {
	case d.MerchantID == UnknownMerchantID:
		txn.MarkFollowUp(ReasonNoMerchantText)
	case d.Method == model.MethodFallback:
		txn.MarkFollowUp(ReasonUnmatchedMerchant)
	}
	return txn
}

// Resolve runs stage 5 on a classified transaction. Failures are recorded on
// the transaction rather than returned.
func (p *Pipeline) Resolve(ctx context.Context, txn *model.Transaction) {
	defer recoverInto(txn)

	if p.resolver == nil || txn.Disambiguation == nil || txn.Error != "" {
		return
	}
	res, err := p.resolver.ResolveEntity(ctx, txn)
	switch {
	case errors.Is(err, ErrNothingToResolve):
		return
	case err != nil:
		slog.Error("entity resolution failed",
			"description", txn.Raw.Description,
			"merchant_id", txn.Disambiguation.MerchantID,
			"error", err)
		txn.Error = err.Error()
		txn.MarkFollowUp(ReasonResolutionFailed)
		return
	}
	txn.Resolution = &res
	if res.NeedsVerification {
		txn.MarkFollowUp(ReasonNeedsVerification)
	}
	if res.Anomaly != nil && res.Anomaly.IsAnomaly {
		slog.Info("unusual amount",
			"merchant_id", res.Entity.MerchantID,
			"score", res.Anomaly.Score,
			"mean", res.Anomaly.Mean)
		txn.MarkFollowUp(ReasonAmountAnomaly)
	}
}

// Process runs every stage on one statement line.
func (p *Pipeline) Process(ctx context.Context, raw model.RawTransaction) *model.Transaction {
	txn := p.Classify(ctx, raw)
	p.Resolve(ctx, txn)
	return txn
}

// ProcessBatch runs every stage on a batch and returns results in input
// order. A failing transaction is flagged and never stops the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, raws []model.RawTransaction) []*model.Transaction {
	start := time.Now()
	mapper := iter.Mapper[model.RawTransaction, *model.Transaction]{MaxGoroutines: p.workers}
	txns := mapper.Map(raws, func(raw *model.RawTransaction) *model.Transaction {
		return p.Classify(ctx, *raw)
	})

	for i, txn := range txns {
		if err := ctx.Err(); err != nil {
			if txn.Error == "" && txn.Disambiguation != nil {
				txn.Error = err.Error()
				txn.MarkFollowUp(ReasonResolutionFailed)
			}
		} else {
			p.Resolve(ctx, txn)
		}
		if p.progress != nil {
			p.progress(i+1, len(txns))
		}
	}

	slog.Info("batch processed",
		"transactions", len(txns),
		"workers", p.workers,
		"rules", p.set.Fingerprint(),
		"duration", time.Since(start))
	return txns
}

func recoverInto(txn *model.Transaction) {
	if r := recover(); r != nil {
		slog.Error("transaction processing panicked", "description", txn.Raw.Description, "panic", r)
		txn.Error = fmt.Sprintf("panic: %v", r)
		txn.MarkFollowUp(ReasonPanicked)
	}
}
