package gap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashareinsight/pipeline-cli/internal/artifact"
	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/identity"
	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/store/storetest"
)

type fixture struct {
	st          *storetest.MemStore
	checkpoints *checkpoint.Store
	artifacts   *artifact.Layout
	annualDir   string
	researchDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	cps, err := checkpoint.NewStore(filepath.Join(base, "checkpoints"))
	require.NoError(t, err)
	arts, err := artifact.NewLayout(filepath.Join(base, "extracted"))
	require.NoError(t, err)
	annual := filepath.Join(base, "annual_reports")
	research := filepath.Join(base, "research_reports")
	require.NoError(t, os.MkdirAll(annual, 0o755))
	require.NoError(t, os.MkdirAll(research, 0o755))
	return &fixture{
		st:          storetest.NewMemStore(),
		checkpoints: cps,
		artifacts:   arts,
		annualDir:   annual,
		researchDir: research,
	}
}

func (f *fixture) analyzer(force bool) *Analyzer {
	return NewAnalyzer(f.st, f.checkpoints, f.artifacts, Options{
		AnnualReportsDir:   f.annualDir,
		ResearchReportsDir: f.researchDir,
		ForceReprocess:     force,
	})
}

func (f *fixture) writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestScanQueuesNewFile(t *testing.T) {
	f := newFixture(t)
	path := f.writeSource(t, f.annualDir, "300257_开山股份_2023年度报告.md", "# 开山股份 2023 年度报告")

	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, totals.Discovered)
	assert.Equal(t, 1, totals.Pending)

	item := items[0]
	assert.Equal(t, path, item.Path)
	assert.Equal(t, model.DocTypeAnnualReport, item.DocType)
	assert.Equal(t, "300257", item.CompanyCode)
	assert.Len(t, item.FileHash, 64)
	assert.False(t, item.InDB)
	assert.False(t, item.Checkpoint.Complete())
}

func TestScanSkipsWhenArtifactExistsAndArchived(t *testing.T) {
	f := newFixture(t)
	path := f.writeSource(t, f.researchDir, "600519_贵州茅台_深度研究.md", "白酒行业深度")
	_, err := f.artifacts.Write(model.DocTypeResearchReport, path, &model.ExtractionEnvelope{
		ExtractionData: model.ExtractionData{CompanyCode: "600519"},
	})
	require.NoError(t, err)
	require.NoError(t, f.st.UpsertCompany(context.Background(), &model.Company{
		Code: "600519", NameFull: "贵州茅台酒股份有限公司",
	}))
	hash, err := identity.HashFile(path)
	require.NoError(t, err)
	_, err = f.st.InsertDocument(context.Background(), &model.SourceDocument{
		CompanyCode: "600519",
		DocType:     model.DocTypeResearchReport,
		FilePath:    path,
		FileHash:    hash,
	})
	require.NoError(t, err)

	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, totals.SkippedArtifact)

	// The checkpoint now records every stage as done.
	rec := f.checkpoints.Load(path, "", time.Now())
	assert.True(t, rec.Complete())
}

func TestScanArtifactWithoutDBRowStaysQueued(t *testing.T) {
	f := newFixture(t)
	path := f.writeSource(t, f.researchDir, "600519_贵州茅台_深度研究.md", "白酒行业深度")
	_, err := f.artifacts.Write(model.DocTypeResearchReport, path, &model.ExtractionEnvelope{
		ExtractionData: model.ExtractionData{CompanyCode: "600519"},
	})
	require.NoError(t, err)

	// The artifact spares the LLM call, but archive through vectorization
	// still have to run, so the file is not skipped.
	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, totals.SkippedArtifact)
	assert.Equal(t, 1, totals.Pending)
	assert.Equal(t, path, items[0].Path)
	assert.False(t, items[0].InDB)
}

func TestScanCostAvoidanceForKnownCompany(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.UpsertCompany(context.Background(), &model.Company{
		Code:     "300257",
		NameFull: "开山集团股份有限公司",
		Exchange: "深交所",
	}))
	path := f.writeSource(t, f.annualDir, "300257_开山股份_2024年度报告.md", "年度报告正文")

	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, totals.SkippedKnownCompany)

	// Only the LLM call is avoided; the document is still queued so the
	// remaining stages produce a new archived row and fusion version.
	require.Len(t, items, 1)
	assert.Equal(t, 1, totals.Pending)
	assert.Equal(t, path, items[0].Path)
	arch := items[0].Checkpoint.Stages[checkpoint.StageArchive]
	assert.Equal(t, checkpoint.StatusPending, arch.Status)

	// A placeholder artifact with company identity and no concepts exists.
	env, err := f.artifacts.Read(model.DocTypeAnnualReport, path)
	require.NoError(t, err)
	assert.Equal(t, "300257", env.ExtractionData.CompanyCode)
	assert.Equal(t, "开山集团股份有限公司", env.ExtractionData.CompanyNameFull)
	assert.Empty(t, env.ExtractionData.BusinessConcepts)
	assert.Equal(t, "skipped", env.Model)

	rec := f.checkpoints.Load(path, "", time.Now())
	ext := rec.Stages[checkpoint.StageExtraction]
	assert.Equal(t, checkpoint.StatusSuccess, ext.Status)
	assert.True(t, ext.SkippedLLM)
}

func TestScanResearchReportForKnownCompanyStillQueued(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.UpsertCompany(context.Background(), &model.Company{
		Code: "600519", NameFull: "贵州茅台酒股份有限公司",
	}))
	f.writeSource(t, f.researchDir, "600519_贵州茅台_点评.md", "研报正文")

	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 0, totals.SkippedKnownCompany)
}

func TestScanReconstructsFromDB(t *testing.T) {
	f := newFixture(t)
	path := f.writeSource(t, f.researchDir, "600036_招商银行_深度报告.md", "# 已归档的研报")

	require.NoError(t, f.st.UpsertCompany(context.Background(), &model.Company{
		Code: "600036", NameFull: "招商银行股份有限公司",
	}))
	hash, err := identity.HashFile(path)
	require.NoError(t, err)
	docID, err := f.st.InsertDocument(context.Background(), &model.SourceDocument{
		CompanyCode: "600036",
		DocType:     model.DocTypeResearchReport,
		FilePath:    path,
		FileHash:    hash,
	})
	require.NoError(t, err)

	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, totals.SkippedDB)

	rec := f.checkpoints.Load(path, hash, time.Now())
	assert.True(t, rec.Complete())
	assert.Equal(t, docID.String(), rec.Stages[checkpoint.StageArchive].DocID)
}

func TestScanSkipsCompleteCheckpoint(t *testing.T) {
	f := newFixture(t)
	path := f.writeSource(t, f.researchDir, "000001_平安银行_研报.txt", "研报")

	hash, err := identity.HashFile(path)
	require.NoError(t, err)
	rec := f.checkpoints.Fresh(path, hash, time.Now())
	for _, stage := range checkpoint.StageOrder {
		now := time.Now()
		rec.Stages[stage].Status = checkpoint.StatusSuccess
		rec.Stages[stage].Timestamp = &now
	}
	require.NoError(t, f.checkpoints.Save(rec))

	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 1, totals.SkippedComplete)
}

func TestScanForceReprocessQueuesEverything(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.UpsertCompany(context.Background(), &model.Company{
		Code: "300257", NameFull: "开山集团股份有限公司",
	}))
	annual := f.writeSource(t, f.annualDir, "300257_开山股份_2024年度报告.md", "正文")
	_, err := f.artifacts.Write(model.DocTypeAnnualReport, annual, &model.ExtractionEnvelope{})
	require.NoError(t, err)

	items, totals, err := f.analyzer(true).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, totals.Pending)
	// Forced items always start from an all-pending record.
	for _, stage := range checkpoint.StageOrder {
		assert.Equal(t, checkpoint.StatusPending, items[0].Checkpoint.Stages[stage].Status)
	}
}

func TestScanOrdersAnnualBeforeResearch(t *testing.T) {
	f := newFixture(t)
	f.writeSource(t, f.researchDir, "b_研报.md", "b")
	f.writeSource(t, f.researchDir, "a_研报.md", "a")
	f.writeSource(t, f.annualDir, "z_年报.md", "z")

	items, _, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, model.DocTypeAnnualReport, items[0].DocType)
	assert.Contains(t, items[0].Path, "z_年报.md")
	assert.Contains(t, items[1].Path, "a_研报.md")
	assert.Contains(t, items[2].Path, "b_研报.md")
}

func TestScanIgnoresOtherExtensions(t *testing.T) {
	f := newFixture(t)
	f.writeSource(t, f.annualDir, "notes.pdf", "binary")
	f.writeSource(t, f.annualDir, "report.md", "text")

	items, totals, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 1, totals.Discovered)
}

func TestScanToleratesMissingRoot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.RemoveAll(f.researchDir))
	f.writeSource(t, f.annualDir, "report.md", "text")

	items, _, err := f.analyzer(false).Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

