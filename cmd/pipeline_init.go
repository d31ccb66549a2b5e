package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"

	"github.com/ashareinsight/pipeline-cli/internal/archive"
	"github.com/ashareinsight/pipeline-cli/internal/artifact"
	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/config"
	"github.com/ashareinsight/pipeline-cli/internal/extract"
	"github.com/ashareinsight/pipeline-cli/internal/filelock"
	"github.com/ashareinsight/pipeline-cli/internal/fusion"
	"github.com/ashareinsight/pipeline-cli/internal/gap"
	"github.com/ashareinsight/pipeline-cli/internal/monitoring"
	"github.com/ashareinsight/pipeline-cli/internal/pipeline"
	"github.com/ashareinsight/pipeline-cli/internal/store"
	"github.com/ashareinsight/pipeline-cli/internal/vector"
	anthropicpkg "github.com/ashareinsight/pipeline-cli/pkg/anthropic"
	"github.com/ashareinsight/pipeline-cli/pkg/qwen"
)

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	return st, nil
}

func initEmbedder(emb config.EmbeddingConfig) qwen.Client {
	return qwen.NewClient(emb.Key,
		qwen.WithBaseURL(emb.BaseURL),
		qwen.WithModel(emb.Model),
		qwen.WithDimension(emb.Dimension),
		qwen.WithMaxBatchSize(emb.MaxBatchSize),
		qwen.WithHTTPClient(&http.Client{
			Timeout: time.Duration(emb.TimeoutSecs) * time.Second,
		}),
	)
}

// pipelineEnv holds the initialized store, checkpoint layer, and
// orchestrator needed by the pipeline command.
type pipelineEnv struct {
	Store        store.Store
	Checkpoints  *checkpoint.Store
	Artifacts    *artifact.Layout
	Locks        *filelock.Manager
	Metrics      *monitoring.Metrics
	Analyzer     *gap.Analyzer
	Orchestrator *pipeline.Orchestrator
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Locks != nil {
		pe.Locks.ReleaseAll()
	}
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipelineEnv sets up the store, the checkpoint and artifact layers,
// the stage adapters, and the orchestrator. Callers should defer
// env.Close().
func initPipelineEnv(ctx context.Context, gapOpts gap.Options) (*pipelineEnv, error) {
	if err := cfg.Validate("run"); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cps, err := checkpoint.NewStore(cfg.Data.CheckpointDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	arts, err := artifact.NewLayout(cfg.Data.ExtractedDir)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	locks, err := filelock.NewManager(cfg.Data.LockDir, time.Duration(cfg.Pipeline.LockTimeoutSecs)*time.Second)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	extractor := extract.New(anthropicpkg.NewClient(cfg.LLM.Key), extract.Config{
		Model:              cfg.LLM.Model,
		PromptVersion:      cfg.LLM.PromptVersion,
		Timeout:            time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
		RateLimitPerMinute: cfg.LLM.RateLimitPerMinute,
		MaxContentChars:    cfg.LLM.MaxContentChars,
	})

	builder := vector.NewBuilder(st, initEmbedder(cfg.Embedding), metrics, vector.Config{
		BatchSize:     cfg.Embedding.MaxBatchSize,
		MaxTextLength: cfg.Embedding.MaxTextLength,
	})

	orch := pipeline.New(pipeline.Deps{
		Store:       st,
		Checkpoints: cps,
		Artifacts:   arts,
		Locks:       locks,
		Extractor:   extractor,
		Archiver:    archive.NewWriter(st),
		Fuser: fusion.NewEngine(st, fusion.Config{
			MaxRetries:         cfg.Fusion.MaxRetries,
			RetryBaseDelay:     time.Duration(cfg.Fusion.RetryBaseDelayMs) * time.Millisecond,
			MaxSourceSentences: cfg.Fusion.MaxSourceSentences,
		}),
		Vectorizer: builder,
		Metrics:    metrics,
	}, pipeline.Config{MaxConcurrent: cfg.Pipeline.MaxConcurrent})

	return &pipelineEnv{
		Store:        st,
		Checkpoints:  cps,
		Artifacts:    arts,
		Locks:        locks,
		Metrics:      metrics,
		Analyzer:     gap.NewAnalyzer(st, cps, arts, gapOpts),
		Orchestrator: orch,
	}, nil
}
