package vector

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/monitoring"
	"github.com/ashareinsight/pipeline-cli/internal/store"
)

// Embedder is the embedding-service boundary. pkg/qwen implements it.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	MaxBatchSize() int
}

// Config tunes the index builder.
type Config struct {
	BatchSize     int `yaml:"batch_size" mapstructure:"batch_size"`
	MaxTextLength int `yaml:"max_text_length" mapstructure:"max_text_length"`
}

// Status summarizes one build run.
type Status struct {
	Total          int           `json:"total"`
	Processed      int           `json:"processed"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Skipped        int           `json:"skipped"`
	ProcessingTime time.Duration `json:"processing_time"`
	Errors         []string      `json:"errors,omitempty"`
}

// Builder generates embeddings for concepts that lack them and writes the
// vectors back without touching row versions.
type Builder struct {
	store    store.Store
	embedder Embedder
	metrics  *monitoring.Metrics
	cfg      Config
}

// NewBuilder wires the builder. metrics may be nil.
func NewBuilder(st store.Store, emb Embedder, metrics *monitoring.Metrics, cfg Config) *Builder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if max := emb.MaxBatchSize(); max > 0 && cfg.BatchSize > max {
		cfg.BatchSize = max
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	return &Builder{store: st, embedder: emb, metrics: metrics, cfg: cfg}
}

// BuildOptions selects what to embed.
type BuildOptions struct {
	// Rebuild re-embeds every active concept instead of only the ones
	// missing a vector.
	Rebuild bool
	// Limit bounds how many concepts are considered; 0 means all.
	Limit int
	// Sink, when set, records embedded concept IDs after each batch so an
	// interrupted build resumes where it stopped.
	Sink *checkpoint.VectorSink
}

// Build embeds pending concepts in batches. Per-concept failures are
// recorded in the status; the returned error covers only the initial scan.
func (b *Builder) Build(ctx context.Context, opts BuildOptions) (*Status, error) {
	start := time.Now()
	concepts, err := b.selectConcepts(ctx, opts)
	if err != nil {
		return nil, err
	}

	status := &Status{Total: len(concepts)}
	defer func() { status.ProcessingTime = time.Since(start) }()

	if opts.Sink != nil {
		filtered := concepts[:0]
		for _, c := range concepts {
			if opts.Sink.Done(c.ConceptID.String()) {
				status.Skipped++
			} else {
				filtered = append(filtered, c)
			}
		}
		concepts = filtered
	}

	for len(concepts) > 0 {
		if err := ctx.Err(); err != nil {
			return status, eris.Wrap(err, "vector: build cancelled")
		}
		n := b.cfg.BatchSize
		if n > len(concepts) {
			n = len(concepts)
		}
		batch := concepts[:n]
		concepts = concepts[n:]
		b.processBatch(ctx, batch, opts.Sink, status)
	}

	zap.L().Info("vector build finished",
		zap.Int("total", status.Total),
		zap.Int("succeeded", status.Succeeded),
		zap.Int("failed", status.Failed),
		zap.Int("skipped", status.Skipped))
	return status, nil
}

// BuildForCompany embeds only the unembedded concepts of one company.
// Used by the per-document vectorization stage.
func (b *Builder) BuildForCompany(ctx context.Context, companyCode string) (*Status, error) {
	start := time.Now()
	all, err := b.store.FindAllConceptsByCompany(ctx, companyCode)
	if err != nil {
		return nil, err
	}
	var pending []model.ConceptMaster
	for _, c := range all {
		if c.Embedding == nil {
			pending = append(pending, c)
		}
	}

	status := &Status{Total: len(pending)}
	defer func() { status.ProcessingTime = time.Since(start) }()

	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return status, eris.Wrap(err, "vector: build cancelled")
		}
		n := b.cfg.BatchSize
		if n > len(pending) {
			n = len(pending)
		}
		batch := pending[:n]
		pending = pending[n:]
		b.processBatch(ctx, batch, nil, status)
	}
	return status, nil
}

func (b *Builder) processBatch(ctx context.Context, batch []model.ConceptMaster, sink *checkpoint.VectorSink, status *Status) {
	texts := make([]string, 0, len(batch))
	subjects := make([]model.ConceptMaster, 0, len(batch))
	for _, c := range batch {
		status.Processed++
		text := PrepareText(c.ConceptName, c.ConceptDetails.Description, b.cfg.MaxTextLength)
		if text == "" {
			status.Skipped++
			zap.L().Warn("empty embedding text, skipping concept",
				zap.String("concept_id", c.ConceptID.String()))
			continue
		}
		texts = append(texts, text)
		subjects = append(subjects, c)
	}
	if len(texts) == 0 {
		return
	}

	vecs, err := b.embedder.EmbedTexts(ctx, texts)
	if err != nil {
		status.Failed += len(subjects)
		status.Errors = append(status.Errors, fmt.Sprintf("embed batch of %d: %v", len(subjects), err))
		zap.L().Error("embedding batch failed", zap.Int("batch_size", len(subjects)), zap.Error(err))
		return
	}

	want := b.embedder.Dimension()
	updates := make([]store.EmbeddingUpdate, 0, len(subjects))
	accepted := make([]model.ConceptMaster, 0, len(subjects))
	for i, vec := range vecs {
		if len(vec) != want {
			status.Failed++
			status.Errors = append(status.Errors,
				fmt.Sprintf("concept %s: dimension %d, want %d", subjects[i].ConceptID, len(vec), want))
			if b.metrics != nil {
				b.metrics.DimensionErrors.Inc()
			}
			continue
		}
		updates = append(updates, store.EmbeddingUpdate{ConceptID: subjects[i].ConceptID, Embedding: vec})
		accepted = append(accepted, subjects[i])
	}

	written, err := b.store.BatchUpdateEmbeddings(ctx, updates)
	if err != nil {
		status.Failed += len(updates)
		status.Errors = append(status.Errors, fmt.Sprintf("write batch of %d: %v", len(updates), err))
		return
	}
	status.Succeeded += written

	if sink != nil {
		for _, c := range accepted {
			sink.Mark(c.ConceptID.String())
		}
		if err := sink.Flush(); err != nil {
			zap.L().Warn("vector checkpoint flush failed", zap.Error(err))
		}
	}
}

func (b *Builder) selectConcepts(ctx context.Context, opts BuildOptions) ([]model.ConceptMaster, error) {
	if !opts.Rebuild {
		return b.store.FindConceptsNeedingEmbeddings(ctx, opts.Limit)
	}
	codes, err := b.store.ListCompanyCodes(ctx)
	if err != nil {
		return nil, err
	}
	var all []model.ConceptMaster
	for _, code := range codes {
		concepts, err := b.store.FindAllConceptsByCompany(ctx, code)
		if err != nil {
			return nil, err
		}
		all = append(all, concepts...)
		if opts.Limit > 0 && len(all) >= opts.Limit {
			all = all[:opts.Limit]
			break
		}
	}
	return all, nil
}
