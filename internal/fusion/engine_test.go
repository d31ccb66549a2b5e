package fusion

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/store"
	"github.com/ashareinsight/pipeline-cli/internal/store/storetest"
)

func seedDocument(t *testing.T, st *storetest.MemStore, concepts []model.BusinessConcept) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.UpsertCompany(ctx, &model.Company{Code: "300257", NameFull: "开山集团股份有限公司"}))
	doc := &model.SourceDocument{
		CompanyCode: "300257",
		DocType:     model.DocTypeAnnualReport,
		DocDate:     time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		FileHash:    uuid.NewString(),
		RawLLMOutput: model.ExtractionEnvelope{
			ExtractionData: model.ExtractionData{
				CompanyCode:      "300257",
				BusinessConcepts: concepts,
			},
		},
		ProcessingStatus: model.ProcessingCompleted,
	}
	docID, err := st.InsertDocument(ctx, doc)
	require.NoError(t, err)
	return docID
}

func TestFuseDocumentCreatesConcepts(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{})
	docID := seedDocument(t, st, []model.BusinessConcept{
		{ConceptName: "智能制造", ConceptCategory: model.CategoryCore, ImportanceScore: 0.9, DevelopmentStage: "成熟期"},
		{ConceptName: "工业互联网", ConceptCategory: model.CategoryEmerging, ImportanceScore: 0.6},
	})

	stats, err := e.FuseDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Created: 2, Total: 2}, stats)

	c, err := st.FindConceptByName(context.Background(), "300257", "智能制造")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, &docID, c.LastUpdatedFromDocID)
}

func TestFuseDocumentEmptyConcepts(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{})
	docID := seedDocument(t, st, nil)

	stats, err := e.FuseDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestFuseDocumentInvalidCategorySkipsOne(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{})
	docID := seedDocument(t, st, []model.BusinessConcept{
		{ConceptName: "智能制造", ConceptCategory: model.CategoryCore, ImportanceScore: 0.9},
		{ConceptName: "奇怪业务", ConceptCategory: "未知类别", ImportanceScore: 0.5},
	})

	stats, err := e.FuseDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Created: 1, Skipped: 1, Total: 2}, stats)
}

func TestFuseDocumentUpdateMergesFields(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{})
	ctx := context.Background()

	first := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName:      "智能制造",
		ConceptCategory:  model.CategoryCore,
		ImportanceScore:  0.9,
		DevelopmentStage: "成长期",
		Description:      "公司的智能制造业务板块",
		Metrics:          map[string]any{"revenue": 1.0},
		Relations:        model.Relations{Customers: []string{"客户A"}},
		SourceSentences:  []string{"句子一", "句子二"},
	}})
	_, err := e.FuseDocument(ctx, first)
	require.NoError(t, err)

	second := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName:      "智能制造",
		ConceptCategory:  model.CategoryCore,
		ImportanceScore:  0.98,
		DevelopmentStage: "成熟期",
		Description:      "公司的智能制造业务板块，新增海外市场",
		Metrics:          map[string]any{"revenue": 2.0},
		Relations:        model.Relations{Customers: []string{"客户B", "客户A"}},
		SourceSentences:  []string{"句子二", "句子三"},
	}})
	stats, err := e.FuseDocument(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1, Total: 1}, stats)

	c, err := st.FindConceptByName(ctx, "300257", "智能制造")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 2, c.Version)
	assert.Equal(t, 0.98, c.ImportanceScore)
	assert.Equal(t, "成熟期", c.DevelopmentStage)
	assert.Equal(t, "公司的智能制造业务板块，新增海外市场", c.ConceptDetails.Description)
	assert.Equal(t, map[string]any{"revenue": 2.0}, c.ConceptDetails.Metrics)
	assert.ElementsMatch(t, []string{"客户A", "客户B"}, c.ConceptDetails.Relations.Customers)
	assert.Equal(t, []string{"句子一", "句子二", "句子三"}, c.ConceptDetails.SourceSentences)
	assert.Equal(t, &second, c.LastUpdatedFromDocID)
}

func TestFuseDocumentShorterDescriptionKept(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{})
	ctx := context.Background()

	long := "一段很长很长的业务描述，包含了很多细节"
	first := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName: "压缩机", ConceptCategory: model.CategoryCore, ImportanceScore: 0.9, Description: long,
	}})
	_, err := e.FuseDocument(ctx, first)
	require.NoError(t, err)

	second := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName: "压缩机", ConceptCategory: model.CategoryCore, ImportanceScore: 0.8, Description: "短描述",
	}})
	_, err = e.FuseDocument(ctx, second)
	require.NoError(t, err)

	c, err := st.FindConceptByName(ctx, "300257", "压缩机")
	require.NoError(t, err)
	assert.Equal(t, long, c.ConceptDetails.Description)
	assert.Equal(t, 0.8, c.ImportanceScore)
}

func TestFuseDocumentSourceSentenceCap(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{MaxSourceSentences: 5})
	ctx := context.Background()

	var sentences []string
	for i := 0; i < 8; i++ {
		sentences = append(sentences, fmt.Sprintf("句子%d", i))
	}
	docID := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName: "压缩机", ConceptCategory: model.CategoryCore, ImportanceScore: 0.9, SourceSentences: sentences,
	}})
	_, err := e.FuseDocument(ctx, docID)
	require.NoError(t, err)

	c, err := st.FindConceptByName(ctx, "300257", "压缩机")
	require.NoError(t, err)
	assert.Len(t, c.ConceptDetails.SourceSentences, 5)
	assert.Equal(t, []string{"句子0", "句子1", "句子2", "句子3", "句子4"}, c.ConceptDetails.SourceSentences)
}

func TestFuseDocumentScoreOutOfRangeSkips(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{})
	docID := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName: "压缩机", ConceptCategory: model.CategoryCore, ImportanceScore: 1.2,
	}})

	stats, err := e.FuseDocument(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, Stats{Skipped: 1, Total: 1}, stats)
}

func TestFuseDocumentSurfacesExhaustedLockRetries(t *testing.T) {
	st := storetest.NewMemStore()
	e := NewEngine(st, Config{MaxRetries: 2, RetryBaseDelay: time.Millisecond})
	ctx := context.Background()

	first := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName: "压缩机", ConceptCategory: model.CategoryCore, ImportanceScore: 0.5,
	}})
	_, err := e.FuseDocument(ctx, first)
	require.NoError(t, err)

	// Every update loses the race; the document must not be marked done.
	st.Errs["UpdateConcept"] = store.ErrOptimisticLock
	second := seedDocument(t, st, []model.BusinessConcept{{
		ConceptName: "压缩机", ConceptCategory: model.CategoryCore, ImportanceScore: 0.9,
	}})
	stats, err := e.FuseDocument(ctx, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrOptimisticLock)
	assert.Contains(t, err.Error(), "压缩机")
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 0, stats.Skipped)

	// The master row is untouched, so a later run re-attempts the merge.
	c, err := st.FindConceptByName(ctx, "300257", "压缩机")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Version)
	assert.Equal(t, 0.5, c.ImportanceScore)

	st.Errs = map[string]error{}
	stats, err = e.FuseDocument(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, Stats{Updated: 1, Total: 1}, stats)
}

func TestMergeRoundsScore(t *testing.T) {
	current := model.ConceptMaster{
		ConceptID: uuid.New(), CompanyCode: "300257", ConceptName: "压缩机",
		ConceptCategory: model.CategoryCore, ImportanceScore: 0.5, Version: 1,
	}
	merged := Merge(current, model.BusinessConcept{
		ConceptName: "压缩机", ConceptCategory: model.CategoryCore, ImportanceScore: 0.955,
	}, uuid.New(), 0)

	assert.Equal(t, 0.96, merged.ImportanceScore)
	assert.Equal(t, 2, merged.Version)
	// Category is sticky; reclassification needs an explicit migration.
	assert.Equal(t, model.CategoryCore, merged.ConceptCategory)
}

func TestMergeUnionIsOrderIndependent(t *testing.T) {
	base := model.ConceptMaster{Version: 1, ConceptDetails: model.ConceptDetails{
		Relations: model.Relations{Partners: []string{"甲", "乙"}},
	}}

	a := Merge(base, model.BusinessConcept{Relations: model.Relations{Partners: []string{"丙", "甲"}}}, uuid.New(), 0)
	b := Merge(base, model.BusinessConcept{Relations: model.Relations{Partners: []string{"甲", "丙"}}}, uuid.New(), 0)

	assert.ElementsMatch(t, a.ConceptDetails.Relations.Partners, b.ConceptDetails.Relations.Partners)
	assert.ElementsMatch(t, []string{"甲", "乙", "丙"}, a.ConceptDetails.Relations.Partners)
}
