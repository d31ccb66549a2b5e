package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashareinsight/pipeline-cli/internal/archive"
	"github.com/ashareinsight/pipeline-cli/internal/artifact"
	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/extract"
	"github.com/ashareinsight/pipeline-cli/internal/fusion"
	"github.com/ashareinsight/pipeline-cli/internal/gap"
	"github.com/ashareinsight/pipeline-cli/internal/identity"
	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/store/storetest"
	"github.com/ashareinsight/pipeline-cli/internal/vector"
)

type fakeLocker struct {
	mu       sync.Mutex
	denied   map[string]bool
	released []string
}

func (l *fakeLocker) Acquire(_ context.Context, path string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.denied[path], nil
}

func (l *fakeLocker) Release(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, path)
	return nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls int
	env   *model.ExtractionEnvelope
	err   error
}

func (e *fakeExtractor) Extract(context.Context, extract.Input) (*model.ExtractionEnvelope, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return e.env, nil
}

type fakeFuser struct {
	mu     sync.Mutex
	calls  int
	docIDs []uuid.UUID
	stats  fusion.Stats
	err    error
}

func (f *fakeFuser) FuseDocument(_ context.Context, docID uuid.UUID) (fusion.Stats, error) {
	f.mu.Lock()
	f.calls++
	f.docIDs = append(f.docIDs, docID)
	f.mu.Unlock()
	if f.err != nil {
		return fusion.Stats{}, f.err
	}
	return f.stats, nil
}

type fakeVectorizer struct {
	mu     sync.Mutex
	calls  int
	codes  []string
	status *vector.Status
	err    error
}

func (v *fakeVectorizer) BuildForCompany(_ context.Context, code string) (*vector.Status, error) {
	v.mu.Lock()
	v.calls++
	v.codes = append(v.codes, code)
	v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	return v.status, nil
}

type harness struct {
	st          *storetest.MemStore
	checkpoints *checkpoint.Store
	artifacts   *artifact.Layout
	locks       *fakeLocker
	extractor   *fakeExtractor
	fuser       *fakeFuser
	vectorizer  *fakeVectorizer
	srcDir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	cps, err := checkpoint.NewStore(filepath.Join(base, "checkpoints"))
	require.NoError(t, err)
	arts, err := artifact.NewLayout(filepath.Join(base, "extracted"))
	require.NoError(t, err)
	return &harness{
		st:          storetest.NewMemStore(),
		checkpoints: cps,
		artifacts:   arts,
		locks:       &fakeLocker{denied: make(map[string]bool)},
		extractor:   &fakeExtractor{},
		fuser:       &fakeFuser{stats: fusion.Stats{Created: 1, Total: 1}},
		vectorizer:  &fakeVectorizer{status: &vector.Status{Total: 1, Succeeded: 1}},
		srcDir:      filepath.Join(base, "sources"),
	}
}

func (h *harness) orchestrator(cfg Config) *Orchestrator {
	return New(Deps{
		Store:       h.st,
		Checkpoints: h.checkpoints,
		Artifacts:   h.artifacts,
		Locks:       h.locks,
		Extractor:   h.extractor,
		Archiver:    archive.NewWriter(h.st),
		Fuser:       h.fuser,
		Vectorizer:  h.vectorizer,
	}, cfg)
}

func (h *harness) workItem(t *testing.T, name, content string, docType model.DocType, code string) gap.WorkItem {
	t.Helper()
	require.NoError(t, os.MkdirAll(h.srcDir, 0o755))
	path := filepath.Join(h.srcDir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	hash, err := identity.HashFile(path)
	require.NoError(t, err)
	return gap.WorkItem{
		Path:         path,
		DocType:      docType,
		CompanyCode:  code,
		FileHash:     hash,
		LastModified: time.Now(),
		Checkpoint:   h.checkpoints.Fresh(path, hash, time.Now()),
	}
}

func annualEnvelope() *model.ExtractionEnvelope {
	return &model.ExtractionEnvelope{
		ExtractionData: model.ExtractionData{
			CompanyCode:      "300257",
			CompanyNameFull:  "开山集团股份有限公司",
			CompanyNameShort: "开山股份",
			Exchange:         "深交所",
			ReportTitle:      "开山股份2023年年度报告",
			DocType:          model.DocTypeAnnualReport,
			BusinessConcepts: []model.BusinessConcept{{
				ConceptName:     "压缩机",
				ConceptCategory: model.CategoryCore,
				Description:     "螺杆式空气压缩机",
				ImportanceScore: 0.9,
			}},
		},
		Model: "claude-sonnet-4-5-20250929",
	}
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t)
	h.extractor.env = annualEnvelope()
	item := h.workItem(t, "300257_开山股份_2023年度报告.md", "年报正文", model.DocTypeAnnualReport, "300257")

	summary, err := h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Completed.Load())
	assert.Equal(t, int64(0), summary.Failed.Load())
	assert.Equal(t, int64(1), summary.ConceptsCreated.Load())
	assert.Equal(t, int64(1), summary.VectorsWritten.Load())

	// Company and document are in the store.
	company, err := h.st.GetCompany(context.Background(), "300257")
	require.NoError(t, err)
	require.NotNil(t, company)
	doc, err := h.st.FindDocumentByHash(context.Background(), item.FileHash)
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "开山股份2023年年度报告", doc.ReportTitle)
	assert.Equal(t, 2023, doc.DocDate.Year())
	assert.Equal(t, time.December, doc.DocDate.Month())

	// Fusion and vectorization saw the right identifiers.
	require.Len(t, h.fuser.docIDs, 1)
	assert.Equal(t, doc.DocID, h.fuser.docIDs[0])
	assert.Equal(t, []string{"300257"}, h.vectorizer.codes)

	// The artifact and a fully successful checkpoint are on disk.
	assert.True(t, h.artifacts.Exists(model.DocTypeAnnualReport, item.Path))
	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	assert.True(t, rec.Complete())

	// Lock released.
	assert.Equal(t, []string{item.Path}, h.locks.released)
}

func TestRunLockContention(t *testing.T) {
	h := newHarness(t)
	h.extractor.env = annualEnvelope()
	item := h.workItem(t, "300257_2023年度报告.md", "正文", model.DocTypeAnnualReport, "300257")
	h.locks.denied[item.Path] = true

	summary, err := h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.SkippedLocked.Load())
	assert.Equal(t, int64(0), summary.Completed.Load())
	assert.Equal(t, 0, h.extractor.calls)

	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	assert.Equal(t, checkpoint.StatusPending, rec.Stages[checkpoint.StageExtraction].Status)
}

func TestRunSkipsDoneStages(t *testing.T) {
	h := newHarness(t)
	item := h.workItem(t, "300257_2023年度报告.md", "正文", model.DocTypeAnnualReport, "300257")

	// Extraction and archive already succeeded in a previous run.
	docID := uuid.New()
	now := time.Now()
	for _, stage := range []string{checkpoint.StageExtraction, checkpoint.StageArchive} {
		item.Checkpoint.Stages[stage].Status = checkpoint.StatusSuccess
		item.Checkpoint.Stages[stage].Timestamp = &now
	}
	item.Checkpoint.Stages[checkpoint.StageArchive].DocID = docID.String()

	summary, err := h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Completed.Load())
	assert.Equal(t, 0, h.extractor.calls)
	require.Len(t, h.fuser.docIDs, 1)
	assert.Equal(t, docID, h.fuser.docIDs[0])
	assert.Equal(t, 1, h.vectorizer.calls)
}

func TestRunExtractionFailureIsFatalForDocument(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = eris.New("api overloaded")
	item := h.workItem(t, "300257_2023年度报告.md", "正文", model.DocTypeAnnualReport, "300257")

	summary, err := h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Failed.Load())
	assert.Equal(t, int64(0), summary.Completed.Load())
	assert.Equal(t, 0, h.fuser.calls)
	assert.Equal(t, 0, h.vectorizer.calls)

	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	st := rec.Stages[checkpoint.StageExtraction]
	assert.Equal(t, checkpoint.StatusFailed, st.Status)
	assert.Contains(t, st.Error, "api overloaded")

	// Lock released even on failure.
	assert.Equal(t, []string{item.Path}, h.locks.released)
}

func TestRunFusionFailureDoesNotStopVectorization(t *testing.T) {
	h := newHarness(t)
	h.extractor.env = annualEnvelope()
	h.fuser.err = eris.New("optimistic lock exhausted")
	item := h.workItem(t, "300257_2023年度报告.md", "正文", model.DocTypeAnnualReport, "300257")

	summary, err := h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 1, h.vectorizer.calls)
	assert.Equal(t, int64(0), summary.Completed.Load())
	assert.Equal(t, int64(0), summary.Failed.Load())

	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	assert.Equal(t, checkpoint.StatusFailed, rec.Stages[checkpoint.StageFusion].Status)
	assert.Equal(t, checkpoint.StatusSuccess, rec.Stages[checkpoint.StageVectorization].Status)
}

func TestRunCostAvoidanceSkipsLLM(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.UpsertCompany(context.Background(), &model.Company{
		Code:     "300257",
		NameFull: "开山集团股份有限公司",
		Exchange: "深交所",
	}))
	item := h.workItem(t, "300257_开山股份_2024年度报告.md", "新一年的年报", model.DocTypeAnnualReport, "300257")

	summary, err := h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, 0, h.extractor.calls)
	assert.Equal(t, int64(1), summary.LLMSkipped.Load())
	assert.Equal(t, int64(1), summary.Completed.Load())

	// The synthesized artifact carries company identity only.
	env, err := h.artifacts.Read(model.DocTypeAnnualReport, item.Path)
	require.NoError(t, err)
	assert.Equal(t, "300257", env.ExtractionData.CompanyCode)
	assert.Empty(t, env.ExtractionData.BusinessConcepts)

	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	assert.True(t, rec.Stages[checkpoint.StageExtraction].SkippedLLM)
}

func TestRunResearchReportUnknownCompanySkips(t *testing.T) {
	h := newHarness(t)
	h.extractor.env = &model.ExtractionEnvelope{
		ExtractionData: model.ExtractionData{
			CompanyCode:      "600519",
			ReportTitle:      "贵州茅台深度研究",
			DocType:          model.DocTypeResearchReport,
			BusinessConcepts: []model.BusinessConcept{},
		},
	}
	item := h.workItem(t, "600519_贵州茅台_深度研究.md", "研报正文", model.DocTypeResearchReport, "600519")

	summary, err := h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.SkippedDone.Load())
	assert.Equal(t, int64(0), summary.Failed.Load())
	assert.Equal(t, 0, h.fuser.calls)

	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	st := rec.Stages[checkpoint.StageArchive]
	assert.Equal(t, checkpoint.StatusSkipped, st.Status)
	assert.Equal(t, "unknown_company", st.Reason)
}

func TestRunArchiveIdempotentOnHash(t *testing.T) {
	h := newHarness(t)
	h.extractor.env = annualEnvelope()
	item := h.workItem(t, "300257_2023年度报告.md", "正文", model.DocTypeAnnualReport, "300257")

	// Pre-archive the same content under the same hash.
	require.NoError(t, h.st.UpsertCompany(context.Background(), &model.Company{
		Code: "300257", NameFull: "开山集团股份有限公司",
	}))
	docID, err := h.st.InsertDocument(context.Background(), &model.SourceDocument{
		CompanyCode: "300257",
		DocType:     model.DocTypeAnnualReport,
		FilePath:    item.Path,
		FileHash:    item.FileHash,
	})
	require.NoError(t, err)

	_, err = h.orchestrator(Config{}).Run(context.Background(), []gap.WorkItem{item})
	require.NoError(t, err)

	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	st := rec.Stages[checkpoint.StageArchive]
	assert.Equal(t, checkpoint.StatusSuccess, st.Status)
	assert.Equal(t, docID.String(), st.DocID)
	assert.Equal(t, "already_archived", st.Reason)

	// Only one document row exists.
	stats, err := h.st.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.SourceDocuments)
}

func TestRunCancellationDoesNotAdvanceCheckpoint(t *testing.T) {
	h := newHarness(t)
	h.extractor.env = annualEnvelope()
	item := h.workItem(t, "300257_2023年度报告.md", "正文", model.DocTypeAnnualReport, "300257")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orchestrator(Config{}).Run(ctx, []gap.WorkItem{item})
	require.Error(t, err)

	rec := h.checkpoints.Load(item.Path, item.FileHash, time.Now())
	for _, stage := range checkpoint.StageOrder {
		assert.Equal(t, checkpoint.StatusPending, rec.Stages[stage].Status)
	}
}
