package vector

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/monitoring"
	"github.com/ashareinsight/pipeline-cli/internal/store/storetest"
)

// fakeEmbedder returns constant-filled vectors and records batch sizes.
type fakeEmbedder struct {
	dim        int
	maxBatch   int
	batchSizes []int
	err        error
	// shortFor drops one dimension from vectors whose text contains the
	// given substring.
	shortFor string
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batchSizes = append(f.batchSizes, len(texts))
	out := make([][]float32, len(texts))
	for i, text := range texts {
		dim := f.dim
		if f.shortFor != "" && strings.Contains(text, f.shortFor) {
			dim = f.dim - 1
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = 0.5
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int    { return f.dim }
func (f *fakeEmbedder) MaxBatchSize() int { return f.maxBatch }

func seedConcept(t *testing.T, st *storetest.MemStore, code, name string, score float64) uuid.UUID {
	t.Helper()
	c := &model.ConceptMaster{
		CompanyCode:     code,
		ConceptName:     name,
		ConceptCategory: model.CategoryCore,
		ImportanceScore: score,
		ConceptDetails:  model.ConceptDetails{Description: name + "业务描述"},
	}
	require.NoError(t, st.InsertConcept(context.Background(), c))
	return c.ConceptID
}

func TestBuildEmbedsPendingConcepts(t *testing.T) {
	st := storetest.NewMemStore()
	id1 := seedConcept(t, st, "300257", "工业气体", 0.9)
	id2 := seedConcept(t, st, "300257", "压缩机", 0.8)

	emb := &fakeEmbedder{dim: 4, maxBatch: 50}
	b := NewBuilder(st, emb, nil, Config{})

	status, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Succeeded)
	assert.Equal(t, 0, status.Failed)
	assert.Len(t, st.Concept(id1).Embedding, 4)
	assert.Len(t, st.Concept(id2).Embedding, 4)
}

func TestBuildBatchesByConfiguredSize(t *testing.T) {
	st := storetest.NewMemStore()
	for i, name := range []string{"气体", "压缩机", "冷链", "氢能", "储能"} {
		seedConcept(t, st, "300257", name, 0.9-float64(i)*0.1)
	}

	emb := &fakeEmbedder{dim: 4, maxBatch: 2}
	b := NewBuilder(st, emb, nil, Config{BatchSize: 10})

	status, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, status.Succeeded)
	// BatchSize is clamped to the embedder's maximum.
	assert.Equal(t, []int{2, 2, 1}, emb.batchSizes)
}

func TestBuildDropsWrongDimension(t *testing.T) {
	st := storetest.NewMemStore()
	goodID := seedConcept(t, st, "300257", "工业气体", 0.9)
	badID := seedConcept(t, st, "300257", "压缩机", 0.8)

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	emb := &fakeEmbedder{dim: 4, maxBatch: 50, shortFor: "压缩机"}
	b := NewBuilder(st, emb, metrics, Config{})

	status, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Succeeded)
	assert.Equal(t, 1, status.Failed)
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "dimension 3, want 4")

	assert.Len(t, st.Concept(goodID).Embedding, 4)
	assert.Nil(t, st.Concept(badID).Embedding)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DimensionErrors))
}

func TestBuildSkipsEmptyText(t *testing.T) {
	st := storetest.NewMemStore()
	seedConcept(t, st, "300257", "工业气体", 0.9)
	blank := &model.ConceptMaster{
		CompanyCode:     "300257",
		ConceptName:     "  ",
		ConceptCategory: model.CategoryCore,
		ImportanceScore: 0.5,
	}
	require.NoError(t, st.InsertConcept(context.Background(), blank))

	emb := &fakeEmbedder{dim: 4, maxBatch: 50}
	b := NewBuilder(st, emb, nil, Config{})

	status, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Succeeded)
	assert.Equal(t, 1, status.Skipped)
	assert.Nil(t, st.Concept(blank.ConceptID).Embedding)
}

func TestBuildEmbedFailureCountsBatch(t *testing.T) {
	st := storetest.NewMemStore()
	seedConcept(t, st, "300257", "工业气体", 0.9)
	seedConcept(t, st, "300257", "压缩机", 0.8)

	emb := &fakeEmbedder{dim: 4, maxBatch: 50, err: eris.New("service down")}
	b := NewBuilder(st, emb, nil, Config{})

	status, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, status.Succeeded)
	assert.Equal(t, 2, status.Failed)
	require.Len(t, status.Errors, 1)
	assert.Contains(t, status.Errors[0], "service down")
}

func TestBuildResumesFromSink(t *testing.T) {
	st := storetest.NewMemStore()
	doneID := seedConcept(t, st, "300257", "工业气体", 0.9)
	pendingID := seedConcept(t, st, "300257", "压缩机", 0.8)

	sinkPath := filepath.Join(t.TempDir(), "vector-sink.json")
	prior, err := checkpoint.OpenVectorSink(sinkPath)
	require.NoError(t, err)
	prior.Mark(doneID.String())
	require.NoError(t, prior.Flush())

	sink, err := checkpoint.OpenVectorSink(sinkPath)
	require.NoError(t, err)
	require.True(t, sink.Done(doneID.String()))

	emb := &fakeEmbedder{dim: 4, maxBatch: 50}
	b := NewBuilder(st, emb, nil, Config{})

	status, err := b.Build(context.Background(), BuildOptions{Sink: sink})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Skipped)
	assert.Equal(t, 1, status.Succeeded)
	assert.Nil(t, st.Concept(doneID).Embedding)
	assert.Len(t, st.Concept(pendingID).Embedding, 4)

	// The newly embedded concept lands in the sink for the next resume.
	reopened, err := checkpoint.OpenVectorSink(sinkPath)
	require.NoError(t, err)
	assert.True(t, reopened.Done(pendingID.String()))
	assert.Equal(t, 2, reopened.Count())
}

func TestBuildRebuildCoversEmbeddedConcepts(t *testing.T) {
	st := storetest.NewMemStore()
	id := seedConcept(t, st, "300257", "工业气体", 0.9)
	require.NoError(t, st.UpdateEmbedding(context.Background(), id, []float32{1, 2, 3, 4}))
	// Company row is needed for ListCompanyCodes during a rebuild.
	require.NoError(t, st.UpsertCompany(context.Background(), &model.Company{Code: "300257", NameFull: "开山集团股份有限公司"}))

	emb := &fakeEmbedder{dim: 4, maxBatch: 50}
	b := NewBuilder(st, emb, nil, Config{})

	status, err := b.Build(context.Background(), BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, status.Total)

	status, err = b.Build(context.Background(), BuildOptions{Rebuild: true})
	require.NoError(t, err)
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.Succeeded)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5}, st.Concept(id).Embedding)
}

func TestBuildForCompanySkipsEmbedded(t *testing.T) {
	st := storetest.NewMemStore()
	embedded := seedConcept(t, st, "300257", "工业气体", 0.9)
	require.NoError(t, st.UpdateEmbedding(context.Background(), embedded, []float32{1, 1, 1, 1}))
	pending := seedConcept(t, st, "300257", "压缩机", 0.8)
	other := seedConcept(t, st, "600519", "白酒", 0.95)

	emb := &fakeEmbedder{dim: 4, maxBatch: 50}
	b := NewBuilder(st, emb, nil, Config{})

	status, err := b.BuildForCompany(context.Background(), "300257")
	require.NoError(t, err)
	assert.Equal(t, 1, status.Total)
	assert.Equal(t, 1, status.Succeeded)
	assert.Len(t, st.Concept(pending).Embedding, 4)
	assert.Nil(t, st.Concept(other).Embedding)
	assert.Equal(t, []float32{1, 1, 1, 1}, st.Concept(embedded).Embedding)
}

func TestBuildHonorsCancellation(t *testing.T) {
	st := storetest.NewMemStore()
	seedConcept(t, st, "300257", "工业气体", 0.9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	emb := &fakeEmbedder{dim: 4, maxBatch: 50}
	b := NewBuilder(st, emb, nil, Config{})

	_, err := b.Build(ctx, BuildOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
