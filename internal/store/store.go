package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/ashareinsight/pipeline-cli/internal/model"
)

// Sentinel errors the pipeline branches on. Wrapped causes stay attached
// via eris so the original pg error is still inspectable.
var (
	// ErrDuplicateFileHash is returned when inserting a document whose
	// file_hash already exists.
	ErrDuplicateFileHash = eris.New("store: duplicate file hash")

	// ErrUnknownCompany is returned when a document references a company
	// code with no registry row.
	ErrUnknownCompany = eris.New("store: unknown company code")

	// ErrOptimisticLock is returned when a versioned concept update
	// matches zero rows, meaning another writer won the race.
	ErrOptimisticLock = eris.New("store: optimistic lock conflict")

	// ErrNotFound is returned by point lookups that must find a row.
	ErrNotFound = eris.New("store: not found")
)

// EmbeddingUpdate pairs a concept with its freshly generated vector.
type EmbeddingUpdate struct {
	ConceptID uuid.UUID
	Embedding []float32
}

// ConceptCount aggregates rows per company for status reporting.
type ConceptCount struct {
	CompanyCode string
	Total       int
	Embedded    int
}

// Stats is a coarse snapshot of table sizes for the stats command.
type Stats struct {
	Companies        int64
	SourceDocuments  int64
	AnnualReports    int64
	ResearchReports  int64
	Concepts         int64
	ActiveConcepts   int64
	EmbeddedConcepts int64
}

// Store is the persistence boundary for the filing pipeline.
type Store interface {
	// Companies
	GetCompany(ctx context.Context, code string) (*model.Company, error)
	UpsertCompany(ctx context.Context, c *model.Company) error
	ListCompanyCodes(ctx context.Context) ([]string, error)

	// Source documents
	ListFileHashes(ctx context.Context) (map[string]struct{}, error)
	FindDocumentByHash(ctx context.Context, fileHash string) (*model.SourceDocument, error)
	FindDocumentByPath(ctx context.Context, filePath string) (*model.SourceDocument, error)
	InsertDocument(ctx context.Context, doc *model.SourceDocument) (uuid.UUID, error)
	GetDocument(ctx context.Context, docID uuid.UUID) (*model.SourceDocument, error)

	// Concept master
	FindConceptByName(ctx context.Context, companyCode, conceptName string) (*model.ConceptMaster, error)
	FindAllConceptsByCompany(ctx context.Context, companyCode string) ([]model.ConceptMaster, error)
	InsertConcept(ctx context.Context, c *model.ConceptMaster) error
	UpdateConcept(ctx context.Context, c *model.ConceptMaster) error
	FindConceptsNeedingEmbeddings(ctx context.Context, limit int) ([]model.ConceptMaster, error)
	UpdateEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error
	BatchUpdateEmbeddings(ctx context.Context, updates []EmbeddingUpdate) (int, error)

	// Reporting and maintenance
	ConceptCounts(ctx context.Context) ([]ConceptCount, error)
	GetStats(ctx context.Context) (*Stats, error)
	ClearContent(ctx context.Context) error

	// Lifecycle
	Migrate(ctx context.Context) error
	MigrateVectorIndex(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
