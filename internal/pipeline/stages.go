package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ashareinsight/pipeline-cli/internal/artifact"
	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/extract"
	"github.com/ashareinsight/pipeline-cli/internal/gap"
	"github.com/ashareinsight/pipeline-cli/internal/identity"
	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/monitoring"
	"github.com/ashareinsight/pipeline-cli/internal/store"
)

// stageExtract produces the extracted-JSON artifact: from disk if present,
// synthesized when the company is already registered, or via the LLM.
func (o *Orchestrator) stageExtract(ctx context.Context, item gap.WorkItem, rec *checkpoint.Record, summary *monitoring.RunSummary) error {
	if o.deps.Artifacts.Exists(item.DocType, item.Path) {
		return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageExtraction, checkpoint.StatusSuccess, func(st *checkpoint.StageState) {
			st.Reason = "artifact_exists"
		})
	}

	if item.DocType == model.DocTypeAnnualReport && item.CompanyCode != "" && o.companyKnown(item.CompanyCode) {
		company, err := o.deps.Store.GetCompany(ctx, item.CompanyCode)
		if err != nil {
			return eris.Wrap(err, "pipeline: load company for synthesized extraction")
		}
		env := artifact.Synthesized(item.CompanyCode, company, item.DocType)
		if _, err := o.deps.Artifacts.Write(item.DocType, item.Path, env); err != nil {
			return err
		}
		summary.LLMSkipped.Add(1)
		if o.deps.Metrics != nil {
			o.deps.Metrics.LLMCallsSkipped.Inc()
		}
		return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageExtraction, checkpoint.StatusSuccess, func(st *checkpoint.StageState) {
			st.SkippedLLM = true
			st.Reason = "company_exists"
		})
	}

	raw, err := os.ReadFile(item.Path)
	if err != nil {
		return eris.Wrap(err, "pipeline: read source file")
	}
	content, encoding, err := identity.DecodeText(raw)
	if err != nil {
		return err
	}
	zap.L().Debug("source decoded",
		zap.String("path", item.Path),
		zap.String("encoding", encoding))

	env, err := o.deps.Extractor.Extract(ctx, extract.Input{
		Path:    item.Path,
		DocType: item.DocType,
		Content: content,
	})
	if err != nil {
		return err
	}
	if _, err := o.deps.Artifacts.Write(item.DocType, item.Path, env); err != nil {
		return err
	}
	return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageExtraction, checkpoint.StatusSuccess, nil)
}

// stageArchive persists the SourceDocument row. Idempotent on file hash;
// a file_path reuse with a different hash or an unregistered research
// company ends the document with a skipped stage instead of an error.
func (o *Orchestrator) stageArchive(ctx context.Context, item gap.WorkItem, rec *checkpoint.Record) error {
	hash, err := identity.HashFile(item.Path)
	if err != nil {
		return err
	}
	if hash != rec.FileHash {
		// The file changed after the gap scan; archive the current bytes.
		rec.FileHash = hash
	}

	if doc, err := o.deps.Store.FindDocumentByHash(ctx, hash); err != nil {
		return err
	} else if doc != nil {
		return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageArchive, checkpoint.StatusSuccess, func(st *checkpoint.StageState) {
			st.DocID = doc.DocID.String()
			st.Reason = "already_archived"
		})
	}

	if byPath, err := o.deps.Store.FindDocumentByPath(ctx, item.Path); err != nil {
		return err
	} else if byPath != nil && byPath.FileHash != hash {
		return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageArchive, checkpoint.StatusSkipped, func(st *checkpoint.StageState) {
			st.Reason = "file_path_reused_with_different_hash"
		})
	}

	env, err := o.deps.Artifacts.Read(item.DocType, item.Path)
	if err != nil {
		return err
	}
	companyCode := env.ExtractionData.CompanyCode
	if companyCode == "" {
		companyCode = item.CompanyCode
	}
	if companyCode == "" {
		return eris.Errorf("pipeline: no company code for %s", item.Path)
	}

	raw, err := os.ReadFile(item.Path)
	if err != nil {
		return eris.Wrap(err, "pipeline: read source file")
	}
	content, encoding, err := identity.DecodeText(raw)
	if err != nil {
		return err
	}

	doc := &model.SourceDocument{
		CompanyCode:  companyCode,
		DocType:      item.DocType,
		DocDate:      deriveDocDate(item.Path, time.Now()),
		ReportTitle:  deriveReportTitle(env, item.Path),
		FilePath:     item.Path,
		FileHash:     hash,
		RawLLMOutput: *env,
		ExtractionMetadata: map[string]any{
			"model":                   env.Model,
			"prompt_version":          env.PromptVersion,
			"processing_time_seconds": env.ProcessingTime,
			"source_encoding":         encoding,
		},
		OriginalContent:  content,
		ProcessingStatus: model.ProcessingCompleted,
	}

	res, err := o.deps.Archiver.Save(ctx, doc)
	if err != nil {
		if eris.Is(err, store.ErrUnknownCompany) {
			return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageArchive, checkpoint.StatusSkipped, func(st *checkpoint.StageState) {
				st.Reason = "unknown_company"
			})
		}
		return err
	}

	if item.DocType == model.DocTypeAnnualReport {
		o.registerCompany(companyCode)
	}
	return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageArchive, checkpoint.StatusSuccess, func(st *checkpoint.StageState) {
		st.DocID = res.DocID.String()
	})
}

// stageFuse merges the archived envelope's concepts into the master table.
func (o *Orchestrator) stageFuse(ctx context.Context, rec *checkpoint.Record, summary *monitoring.RunSummary) error {
	docID, err := archivedDocID(rec)
	if err != nil {
		return err
	}
	stats, err := o.deps.Fuser.FuseDocument(ctx, docID)
	if err != nil {
		return err
	}
	summary.ConceptsCreated.Add(int64(stats.Created))
	summary.ConceptsUpdated.Add(int64(stats.Updated))
	return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageFusion, checkpoint.StatusSuccess, func(st *checkpoint.StageState) {
		st.Concepts = stats.Created + stats.Updated
	})
}

// stageVectorize embeds the document company's unembedded concepts.
func (o *Orchestrator) stageVectorize(ctx context.Context, item gap.WorkItem, rec *checkpoint.Record, summary *monitoring.RunSummary) error {
	companyCode := item.CompanyCode
	if companyCode == "" {
		docID, err := archivedDocID(rec)
		if err != nil {
			return err
		}
		doc, err := o.deps.Store.GetDocument(ctx, docID)
		if err != nil {
			return err
		}
		companyCode = doc.CompanyCode
	}

	status, err := o.deps.Vectorizer.BuildForCompany(ctx, companyCode)
	if err != nil {
		return err
	}
	summary.VectorsWritten.Add(int64(status.Succeeded))
	return o.deps.Checkpoints.UpdateStage(rec, checkpoint.StageVectorization, checkpoint.StatusSuccess, func(st *checkpoint.StageState) {
		st.Vectors = status.Succeeded
	})
}

func archivedDocID(rec *checkpoint.Record) (uuid.UUID, error) {
	raw := rec.Stages[checkpoint.StageArchive].DocID
	if raw == "" {
		return uuid.Nil, eris.New("pipeline: no archived doc_id in checkpoint")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, eris.Wrapf(err, "pipeline: bad doc_id %q", raw)
	}
	return id, nil
}

var yearRe = regexp.MustCompile(`(?:19|20)\d{2}`)

// deriveDocDate maps a filename year to Dec 31 of that year, matching how
// annual filings are dated. Without a plausible year it falls back to now.
// The last match wins so stock codes like 601988 do not shadow the year.
func deriveDocDate(path string, now time.Time) time.Time {
	matches := yearRe.FindAllString(filepath.Base(path), -1)
	for i := len(matches) - 1; i >= 0; i-- {
		year, err := strconv.Atoi(matches[i])
		if err != nil {
			continue
		}
		if year >= 1990 && year <= now.Year()+1 {
			return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)
		}
	}
	return now
}

// deriveReportTitle prefers the extracted title, then the company name,
// then the filename.
func deriveReportTitle(env *model.ExtractionEnvelope, path string) string {
	if t := env.ExtractionData.ReportTitle; t != "" {
		return t
	}
	if n := env.ExtractionData.CompanyNameFull; n != "" {
		return n
	}
	return filepath.Base(path)
}
