// Package fusion merges extracted business concepts into the per-company
// master table under optimistic concurrency control.
package fusion

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/store"
)

// Config tunes the fusion engine.
type Config struct {
	// MaxRetries bounds in-run re-attempts after a lost optimistic race.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`
	// RetryBaseDelay scales linearly with the attempt number.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	// MaxSourceSentences caps the evidence list per concept.
	MaxSourceSentences int `yaml:"max_source_sentences" mapstructure:"max_source_sentences"`
}

// DefaultConfig mirrors the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		RetryBaseDelay:     100 * time.Millisecond,
		MaxSourceSentences: DefaultMaxSourceSentences,
	}
}

// Stats counts per-document fusion outcomes.
type Stats struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Total   int `json:"total"`
}

// Engine applies extraction envelopes to the concept master table.
type Engine struct {
	store store.Store
	cfg   Config
}

// NewEngine builds an Engine; zero config fields fall back to defaults.
func NewEngine(st store.Store, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = def.RetryBaseDelay
	}
	if cfg.MaxSourceSentences <= 0 {
		cfg.MaxSourceSentences = def.MaxSourceSentences
	}
	return &Engine{store: st, cfg: cfg}
}

// FuseDocument merges every concept in the archived document into the
// master table. Invalid concepts become skips; a concept that still loses
// the optimistic race after all in-run retries surfaces as an error so
// the stage is recorded as failed and the next run re-attempts the merge.
func (e *Engine) FuseDocument(ctx context.Context, docID uuid.UUID) (Stats, error) {
	doc, err := e.store.GetDocument(ctx, docID)
	if err != nil {
		return Stats{}, err
	}

	concepts := doc.RawLLMOutput.ExtractionData.BusinessConcepts
	stats := Stats{Total: len(concepts)}
	if len(concepts) == 0 {
		zap.L().Debug("document has no business concepts", zap.String("doc_id", docID.String()))
		return stats, nil
	}

	var conflicted []string
	for _, concept := range concepts {
		outcome, err := e.fuseConcept(ctx, doc.CompanyCode, concept, docID)
		if err != nil {
			if eris.Is(err, store.ErrOptimisticLock) {
				conflicted = append(conflicted, concept.ConceptName)
				zap.L().Warn("optimistic lock retries exhausted",
					zap.String("doc_id", docID.String()),
					zap.String("concept_name", concept.ConceptName),
					zap.Int("max_retries", e.cfg.MaxRetries))
				continue
			}
			stats.Skipped++
			zap.L().Warn("concept fusion skipped",
				zap.String("doc_id", docID.String()),
				zap.String("concept_name", concept.ConceptName),
				zap.Error(err))
			continue
		}
		switch outcome {
		case outcomeCreated:
			stats.Created++
		case outcomeUpdated:
			stats.Updated++
		}
	}

	if len(conflicted) > 0 {
		return stats, eris.Wrapf(store.ErrOptimisticLock,
			"fusion: %d concept(s) unresolved after %d attempts: %s",
			len(conflicted), e.cfg.MaxRetries, strings.Join(conflicted, ", "))
	}

	zap.L().Info("fusion completed",
		zap.String("doc_id", docID.String()),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped))
	return stats, nil
}

type outcome int

const (
	outcomeCreated outcome = iota
	outcomeUpdated
)

func (e *Engine) fuseConcept(ctx context.Context, companyCode string, concept model.BusinessConcept, docID uuid.UUID) (outcome, error) {
	if concept.ConceptName == "" {
		return 0, eris.New("fusion: empty concept name")
	}
	if !model.ValidCategory(concept.ConceptCategory) {
		return 0, eris.Errorf("fusion: invalid category %q", concept.ConceptCategory)
	}
	if concept.ImportanceScore < 0 || concept.ImportanceScore > 1 {
		return 0, eris.Errorf("fusion: importance score %v out of range", concept.ImportanceScore)
	}

	var lastErr error
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(e.cfg.RetryBaseDelay * time.Duration(attempt)):
			}
		}

		current, err := e.store.FindConceptByName(ctx, companyCode, concept.ConceptName)
		if err != nil {
			return 0, err
		}

		if current == nil {
			master := NewMaster(companyCode, concept, docID, e.cfg.MaxSourceSentences)
			err = e.store.InsertConcept(ctx, &master)
			if err == nil {
				return outcomeCreated, nil
			}
		} else {
			merged := Merge(*current, concept, docID, e.cfg.MaxSourceSentences)
			err = e.store.UpdateConcept(ctx, &merged)
			if err == nil {
				return outcomeUpdated, nil
			}
		}

		if !eris.Is(err, store.ErrOptimisticLock) {
			return 0, err
		}
		lastErr = err
		zap.L().Debug("optimistic lock conflict, refetching",
			zap.String("company_code", companyCode),
			zap.String("concept_name", concept.ConceptName),
			zap.Int("attempt", attempt+1))
	}
	return 0, lastErr
}
