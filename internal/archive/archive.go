// Package archive persists extraction envelopes as source documents and
// maintains the company registry.
package archive

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/resilience"
	"github.com/ashareinsight/pipeline-cli/internal/store"
)

// Writer archives one extraction envelope per source file. Saving is
// idempotent on file_hash: archiving the same content twice returns the
// original doc_id.
type Writer struct {
	store store.Store
	retry resilience.RetryConfig
}

// NewWriter builds a Writer with the default save retry policy.
func NewWriter(st store.Store) *Writer {
	cfg := resilience.DefaultRetryConfig()
	cfg.OnRetry = resilience.RetryLogger("postgres", "archive save")
	return &Writer{store: st, retry: cfg}
}

// SaveResult reports where the document ended up.
type SaveResult struct {
	DocID         uuid.UUID
	AlreadyExists bool
}

// Save archives doc. Annual reports may create or improve the company
// row; research reports require one to exist already and surface
// store.ErrUnknownCompany otherwise.
func (w *Writer) Save(ctx context.Context, doc *model.SourceDocument) (SaveResult, error) {
	if doc.FileHash == "" {
		return SaveResult{}, eris.New("archive: file hash is required")
	}
	if !doc.DocType.Valid() {
		return SaveResult{}, eris.Errorf("archive: invalid doc type %q", doc.DocType)
	}

	existing, err := w.store.FindDocumentByHash(ctx, doc.FileHash)
	if err != nil {
		return SaveResult{}, err
	}
	if existing != nil {
		zap.L().Debug("document already archived",
			zap.String("file_hash", doc.FileHash),
			zap.String("doc_id", existing.DocID.String()))
		return SaveResult{DocID: existing.DocID, AlreadyExists: true}, nil
	}

	switch doc.DocType {
	case model.DocTypeAnnualReport:
		if err := w.upsertCompany(ctx, doc); err != nil {
			return SaveResult{}, err
		}
	case model.DocTypeResearchReport:
		company, err := w.store.GetCompany(ctx, doc.CompanyCode)
		if err != nil {
			return SaveResult{}, err
		}
		if company == nil {
			return SaveResult{}, eris.Wrapf(store.ErrUnknownCompany, "research report for %s", doc.CompanyCode)
		}
	}

	docID, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (uuid.UUID, error) {
		return w.store.InsertDocument(ctx, doc)
	})
	if err != nil {
		if eris.Is(err, store.ErrDuplicateFileHash) {
			// Lost a race with another worker archiving the same bytes.
			raced, ferr := w.store.FindDocumentByHash(ctx, doc.FileHash)
			if ferr == nil && raced != nil {
				return SaveResult{DocID: raced.DocID, AlreadyExists: true}, nil
			}
		}
		return SaveResult{}, err
	}

	zap.L().Info("archived document",
		zap.String("doc_id", docID.String()),
		zap.String("company_code", doc.CompanyCode),
		zap.String("doc_type", string(doc.DocType)))
	return SaveResult{DocID: docID}, nil
}

// upsertCompany creates the registry row for an annual report, or
// rewrites its names when the new extraction carries better ones.
func (w *Writer) upsertCompany(ctx context.Context, doc *model.SourceDocument) error {
	data := doc.RawLLMOutput.ExtractionData
	incoming := &model.Company{
		Code:      doc.CompanyCode,
		NameFull:  data.CompanyNameFull,
		NameShort: data.CompanyNameShort,
		Exchange:  data.Exchange,
	}
	if incoming.NameFull == "" {
		incoming.NameFull = doc.CompanyCode
	}

	current, err := w.store.GetCompany(ctx, doc.CompanyCode)
	if err != nil {
		return err
	}
	if current == nil {
		return w.store.UpsertCompany(ctx, incoming)
	}

	changed := false
	if BetterName(current.NameFull, incoming.NameFull) {
		changed = true
	} else {
		incoming.NameFull = current.NameFull
	}
	if BetterName(current.NameShort, incoming.NameShort) {
		changed = true
	} else {
		incoming.NameShort = current.NameShort
	}
	if current.Exchange == "" && incoming.Exchange != "" {
		changed = true
	} else {
		incoming.Exchange = current.Exchange
	}
	if !changed {
		return nil
	}
	zap.L().Info("updating company names",
		zap.String("company_code", doc.CompanyCode),
		zap.String("name_full", incoming.NameFull))
	return w.store.UpsertCompany(ctx, incoming)
}
