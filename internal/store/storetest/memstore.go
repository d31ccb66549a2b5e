// Package storetest provides an in-memory Store for exercising pipeline
// logic without Postgres.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/store"
)

// MemStore implements store.Store with maps and a mutex. Optimistic
// locking and hash uniqueness behave like the Postgres implementation.
type MemStore struct {
	mu        sync.Mutex
	companies map[string]*model.Company
	docs      map[uuid.UUID]*model.SourceDocument
	concepts  map[uuid.UUID]*model.ConceptMaster

	// Error hooks let tests inject failures per operation name.
	Errs map[string]error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		companies: make(map[string]*model.Company),
		docs:      make(map[uuid.UUID]*model.SourceDocument),
		concepts:  make(map[uuid.UUID]*model.ConceptMaster),
		Errs:      make(map[string]error),
	}
}

func (m *MemStore) err(op string) error { return m.Errs[op] }

func (m *MemStore) GetCompany(_ context.Context, code string) (*model.Company, error) {
	if err := m.err("GetCompany"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.companies[code]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) UpsertCompany(_ context.Context, c *model.Company) error {
	if err := m.err("UpsertCompany"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if cur, ok := m.companies[c.Code]; ok {
		cur.NameFull = c.NameFull
		if c.NameShort != "" {
			cur.NameShort = c.NameShort
		}
		if c.Exchange != "" {
			cur.Exchange = c.Exchange
		}
		cur.UpdatedAt = now
		return nil
	}
	cp := *c
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.companies[c.Code] = &cp
	return nil
}

func (m *MemStore) ListCompanyCodes(context.Context) ([]string, error) {
	if err := m.err("ListCompanyCodes"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	codes := make([]string, 0, len(m.companies))
	for code := range m.companies {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (m *MemStore) ListFileHashes(context.Context) (map[string]struct{}, error) {
	if err := m.err("ListFileHashes"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hashes := make(map[string]struct{})
	for _, d := range m.docs {
		if d.FileHash != "" {
			hashes[d.FileHash] = struct{}{}
		}
	}
	return hashes, nil
}

func (m *MemStore) FindDocumentByHash(_ context.Context, fileHash string) (*model.SourceDocument, error) {
	if err := m.err("FindDocumentByHash"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.FileHash == fileHash {
			cp := *d
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) FindDocumentByPath(_ context.Context, filePath string) (*model.SourceDocument, error) {
	if err := m.err("FindDocumentByPath"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *model.SourceDocument
	for _, d := range m.docs {
		if d.FilePath == filePath {
			if newest == nil || d.CreatedAt.After(newest.CreatedAt) {
				newest = d
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	cp := *newest
	return &cp, nil
}

func (m *MemStore) InsertDocument(_ context.Context, doc *model.SourceDocument) (uuid.UUID, error) {
	if err := m.err("InsertDocument"); err != nil {
		return uuid.Nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.companies[doc.CompanyCode]; !ok {
		return uuid.Nil, eris.Wrapf(store.ErrUnknownCompany, "code %s", doc.CompanyCode)
	}
	for _, d := range m.docs {
		if doc.FileHash != "" && d.FileHash == doc.FileHash {
			return uuid.Nil, eris.Wrapf(store.ErrDuplicateFileHash, "hash %s", doc.FileHash)
		}
	}
	if doc.DocID == uuid.Nil {
		doc.DocID = uuid.New()
	}
	cp := *doc
	cp.CreatedAt = time.Now()
	m.docs[cp.DocID] = &cp
	return cp.DocID, nil
}

func (m *MemStore) GetDocument(_ context.Context, docID uuid.UUID) (*model.SourceDocument, error) {
	if err := m.err("GetDocument"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[docID]
	if !ok {
		return nil, eris.Wrapf(store.ErrNotFound, "document %s", docID)
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) FindConceptByName(_ context.Context, companyCode, conceptName string) (*model.ConceptMaster, error) {
	if err := m.err("FindConceptByName"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.concepts {
		if c.IsActive && c.CompanyCode == companyCode && c.ConceptName == conceptName {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) FindAllConceptsByCompany(_ context.Context, companyCode string) ([]model.ConceptMaster, error) {
	if err := m.err("FindAllConceptsByCompany"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConceptMaster
	for _, c := range m.concepts {
		if c.IsActive && c.CompanyCode == companyCode {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		return out[i].ConceptName < out[j].ConceptName
	})
	return out, nil
}

func (m *MemStore) InsertConcept(_ context.Context, c *model.ConceptMaster) error {
	if err := m.err("InsertConcept"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.concepts {
		if cur.IsActive && cur.CompanyCode == c.CompanyCode && cur.ConceptName == c.ConceptName {
			return eris.Wrapf(store.ErrOptimisticLock, "concept %s/%s already exists", c.CompanyCode, c.ConceptName)
		}
	}
	if c.ConceptID == uuid.Nil {
		c.ConceptID = uuid.New()
	}
	c.Version = 1
	c.IsActive = true
	c.ImportanceScore = model.RoundScore(c.ImportanceScore)
	cp := *c
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	m.concepts[cp.ConceptID] = &cp
	return nil
}

func (m *MemStore) UpdateConcept(_ context.Context, c *model.ConceptMaster) error {
	if err := m.err("UpdateConcept"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.concepts[c.ConceptID]
	if !ok || cur.Version != c.Version-1 {
		return eris.Wrapf(store.ErrOptimisticLock, "concept %s at version %d", c.ConceptID, c.Version-1)
	}
	cur.ConceptCategory = c.ConceptCategory
	cur.ImportanceScore = model.RoundScore(c.ImportanceScore)
	cur.DevelopmentStage = c.DevelopmentStage
	cur.ConceptDetails = c.ConceptDetails
	cur.LastUpdatedFromDocID = c.LastUpdatedFromDocID
	cur.Version = c.Version
	cur.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) FindConceptsNeedingEmbeddings(_ context.Context, limit int) ([]model.ConceptMaster, error) {
	if err := m.err("FindConceptsNeedingEmbeddings"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConceptMaster
	for _, c := range m.concepts {
		if c.IsActive && c.Embedding == nil {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ImportanceScore != out[j].ImportanceScore {
			return out[i].ImportanceScore > out[j].ImportanceScore
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) UpdateEmbedding(_ context.Context, conceptID uuid.UUID, embedding []float32) error {
	if err := m.err("UpdateEmbedding"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.concepts[conceptID]
	if !ok {
		return eris.Wrapf(store.ErrNotFound, "concept %s", conceptID)
	}
	c.Embedding = append([]float32(nil), embedding...)
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) BatchUpdateEmbeddings(ctx context.Context, updates []store.EmbeddingUpdate) (int, error) {
	if err := m.err("BatchUpdateEmbeddings"); err != nil {
		return 0, err
	}
	updated := 0
	for _, u := range updates {
		if err := m.UpdateEmbedding(ctx, u.ConceptID, u.Embedding); err == nil {
			updated++
		}
	}
	return updated, nil
}

func (m *MemStore) ConceptCounts(context.Context) ([]store.ConceptCount, error) {
	if err := m.err("ConceptCounts"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byCode := make(map[string]*store.ConceptCount)
	for _, c := range m.concepts {
		if !c.IsActive {
			continue
		}
		cc, ok := byCode[c.CompanyCode]
		if !ok {
			cc = &store.ConceptCount{CompanyCode: c.CompanyCode}
			byCode[c.CompanyCode] = cc
		}
		cc.Total++
		if c.Embedding != nil {
			cc.Embedded++
		}
	}
	var out []store.ConceptCount
	for _, cc := range byCode {
		out = append(out, *cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CompanyCode < out[j].CompanyCode })
	return out, nil
}

func (m *MemStore) GetStats(context.Context) (*store.Stats, error) {
	if err := m.err("GetStats"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &store.Stats{Companies: int64(len(m.companies))}
	for _, d := range m.docs {
		st.SourceDocuments++
		if d.DocType == model.DocTypeAnnualReport {
			st.AnnualReports++
		} else {
			st.ResearchReports++
		}
	}
	for _, c := range m.concepts {
		st.Concepts++
		if c.IsActive {
			st.ActiveConcepts++
		}
		if c.Embedding != nil {
			st.EmbeddedConcepts++
		}
	}
	return st, nil
}

func (m *MemStore) ClearContent(context.Context) error {
	if err := m.err("ClearContent"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.companies = make(map[string]*model.Company)
	m.docs = make(map[uuid.UUID]*model.SourceDocument)
	m.concepts = make(map[uuid.UUID]*model.ConceptMaster)
	return nil
}

func (m *MemStore) Migrate(context.Context) error            { return m.err("Migrate") }
func (m *MemStore) MigrateVectorIndex(context.Context) error { return m.err("MigrateVectorIndex") }
func (m *MemStore) Ping(context.Context) error               { return m.err("Ping") }
func (m *MemStore) Close() error                             { return nil }

// Concept returns a copy of the stored concept for assertions.
func (m *MemStore) Concept(id uuid.UUID) *model.ConceptMaster {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.concepts[id]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

var _ store.Store = (*MemStore)(nil)
