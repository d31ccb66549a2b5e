// Package pipeline drives the four-stage document flow: extract, archive,
// fuse, vectorize. Stage results are checkpointed before the next stage
// starts, so a killed run resumes mid-document.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ashareinsight/pipeline-cli/internal/archive"
	"github.com/ashareinsight/pipeline-cli/internal/artifact"
	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/extract"
	"github.com/ashareinsight/pipeline-cli/internal/fusion"
	"github.com/ashareinsight/pipeline-cli/internal/gap"
	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/monitoring"
	"github.com/ashareinsight/pipeline-cli/internal/store"
	"github.com/ashareinsight/pipeline-cli/internal/vector"
)

// DefaultMaxConcurrent bounds the worker pool when the config is silent.
const DefaultMaxConcurrent = 5

// Extractor is the LLM adapter boundary (S1).
type Extractor interface {
	Extract(ctx context.Context, in extract.Input) (*model.ExtractionEnvelope, error)
}

// Archiver persists source documents (S2).
type Archiver interface {
	Save(ctx context.Context, doc *model.SourceDocument) (archive.SaveResult, error)
}

// Fuser merges extracted concepts into the master table (S3).
type Fuser interface {
	FuseDocument(ctx context.Context, docID uuid.UUID) (fusion.Stats, error)
}

// Vectorizer embeds a company's unembedded concepts (S4).
type Vectorizer interface {
	BuildForCompany(ctx context.Context, companyCode string) (*vector.Status, error)
}

// Locker serializes work on one source file across processes.
type Locker interface {
	Acquire(ctx context.Context, path string) (bool, error)
	Release(path string) error
}

// Deps wires the orchestrator. Metrics may be nil.
type Deps struct {
	Store       store.Store
	Checkpoints *checkpoint.Store
	Artifacts   *artifact.Layout
	Locks       Locker
	Extractor   Extractor
	Archiver    Archiver
	Fuser       Fuser
	Vectorizer  Vectorizer
	Metrics     *monitoring.Metrics
}

// Config tunes the run.
type Config struct {
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// Orchestrator runs work items through the four stages with bounded
// parallelism. The companies cache mirrors the store's company_code set
// and advances as annual reports are archived, so later documents of the
// same company take the cost-avoidance path.
type Orchestrator struct {
	deps Deps
	cfg  Config

	mu        sync.Mutex
	companies map[string]struct{}
}

// New builds an orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Orchestrator{deps: deps, cfg: cfg, companies: make(map[string]struct{})}
}

// Run processes every work item and returns the run summary. Individual
// document failures are counted, not propagated; only cancellation or a
// failed initial company load aborts the run.
func (o *Orchestrator) Run(ctx context.Context, items []gap.WorkItem) (*monitoring.RunSummary, error) {
	summary := monitoring.NewRunSummary()
	summary.Discovered.Store(int64(len(items)))

	codes, err := o.deps.Store.ListCompanyCodes(ctx)
	if err != nil {
		return summary, eris.Wrap(err, "pipeline: list company codes")
	}
	o.mu.Lock()
	for _, code := range codes {
		o.companies[code] = struct{}{}
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrent)

	for _, item := range items {
		g.Go(func() error {
			return o.processItem(gctx, item, summary)
		})
	}
	if err := g.Wait(); err != nil {
		return summary, eris.Wrap(err, "pipeline: run")
	}

	zap.L().Info("pipeline run finished",
		zap.Int64("completed", summary.Completed.Load()),
		zap.Int64("failed", summary.Failed.Load()),
		zap.Int64("skipped_locked", summary.SkippedLocked.Load()),
		zap.Int64("llm_skipped", summary.LLMSkipped.Load()))
	return summary, nil
}

// processItem runs one document through the stage loop. It returns an
// error only on cancellation, which stops the whole group.
func (o *Orchestrator) processItem(ctx context.Context, item gap.WorkItem, summary *monitoring.RunSummary) error {
	log := zap.L().With(zap.String("path", item.Path), zap.String("doc_type", string(item.DocType)))

	acquired, err := o.deps.Locks.Acquire(ctx, item.Path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("lock acquire failed", zap.Error(err))
	}
	if !acquired {
		summary.SkippedLocked.Add(1)
		if o.deps.Metrics != nil {
			o.deps.Metrics.LockSkipped.Inc()
		}
		log.Info("file locked by another worker, skipping")
		return nil
	}
	defer func() {
		if relErr := o.deps.Locks.Release(item.Path); relErr != nil {
			log.Warn("lock release failed", zap.Error(relErr))
		}
	}()

	rec := item.Checkpoint

	// S1 extract. A failure here is fatal for the document.
	if !rec.StageDone(checkpoint.StageExtraction) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runStage(ctx, checkpoint.StageExtraction, item, rec, summary, func() error {
			return o.stageExtract(ctx, item, rec, summary)
		}); err != nil {
			return nil
		}
	}

	// S2 archive. Fatal on error; a clean skip ends the document early.
	if !rec.StageDone(checkpoint.StageArchive) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runStage(ctx, checkpoint.StageArchive, item, rec, summary, func() error {
			return o.stageArchive(ctx, item, rec)
		}); err != nil {
			return nil
		}
		if rec.Stages[checkpoint.StageArchive].Status == checkpoint.StatusSkipped {
			summary.SkippedDone.Add(1)
			log.Info("archive skipped, document done",
				zap.String("reason", rec.Stages[checkpoint.StageArchive].Reason))
			return nil
		}
	}

	// S3 fuse. Failures are recorded but do not fail the document:
	// vectorization of pre-existing concepts can still make progress.
	if !rec.StageDone(checkpoint.StageFusion) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.runStage(ctx, checkpoint.StageFusion, item, rec, summary, func() error {
			return o.stageFuse(ctx, rec, summary)
		}); err != nil {
			log.Warn("fusion failed, continuing to vectorization")
		}
	}

	// S4 vectorize. Non-fatal as well.
	if !rec.StageDone(checkpoint.StageVectorization) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = o.runStage(ctx, checkpoint.StageVectorization, item, rec, summary, func() error {
			return o.stageVectorize(ctx, item, rec, summary)
		})
	}

	if rec.Complete() {
		summary.Completed.Add(1)
		if o.deps.Metrics != nil {
			o.deps.Metrics.DocumentsTotal.WithLabelValues("success").Inc()
		}
	}
	return nil
}

// runStage executes fn, tracks metrics, and on failure persists the failed
// status with the error message. Stage functions record their own success
// states because the stage fields differ.
func (o *Orchestrator) runStage(ctx context.Context, stage string, item gap.WorkItem, rec *checkpoint.Record, summary *monitoring.RunSummary, fn func() error) error {
	start := time.Now()
	err := fn()
	if o.deps.Metrics != nil {
		o.deps.Metrics.TrackStage(stage, item.CompanyCode, start, err)
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Cancellation must not advance the checkpoint.
		return err
	}
	zap.L().Error("stage failed",
		zap.String("stage", stage),
		zap.String("path", item.Path),
		zap.Error(err))
	if saveErr := o.deps.Checkpoints.UpdateStage(rec, stage, checkpoint.StatusFailed, func(st *checkpoint.StageState) {
		st.Error = err.Error()
	}); saveErr != nil {
		zap.L().Warn("cannot save checkpoint", zap.String("path", item.Path), zap.Error(saveErr))
	}
	if stage == checkpoint.StageExtraction || stage == checkpoint.StageArchive {
		summary.Failed.Add(1)
		if o.deps.Metrics != nil {
			o.deps.Metrics.DocumentsTotal.WithLabelValues("failure").Inc()
		}
	}
	return err
}

func (o *Orchestrator) companyKnown(code string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.companies[code]
	return ok
}

func (o *Orchestrator) registerCompany(code string) {
	o.mu.Lock()
	o.companies[code] = struct{}{}
	o.mu.Unlock()
}
