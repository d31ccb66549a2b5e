package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/ashareinsight/pipeline-cli/internal/db"
	"github.com/ashareinsight/pipeline-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns       int32         `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns       int32         `yaml:"min_conns" mapstructure:"min_conns"`
	CommandTimeout time.Duration `yaml:"command_timeout" mapstructure:"command_timeout"`
}

// preparedStatements lists the hot-path queries prepared on each new
// connection.
var preparedStatements = map[string]string{
	"find_doc_by_hash":   `SELECT doc_id, company_code, doc_type, doc_date, report_title, file_path, file_hash, raw_llm_output, extraction_metadata, original_content, processing_status, error_message, created_at FROM source_documents WHERE file_hash = $1`,
	"find_concept":       `SELECT concept_id, company_code, concept_name, concept_category, importance_score, development_stage, embedding::text, concept_details, last_updated_from_doc_id, version, is_active, created_at, updated_at FROM business_concepts_master WHERE company_code = $1 AND concept_name = $2 AND is_active`,
	"update_embedding":   `UPDATE business_concepts_master SET embedding = $2::halfvec(2560), updated_at = now() WHERE concept_id = $1`,
	"list_company_codes": `SELECT company_code FROM companies ORDER BY company_code`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	cmdTimeout := 60 * time.Second
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
		if poolCfg.CommandTimeout > 0 {
			cmdTimeout = poolCfg.CommandTimeout
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	// Every statement inherits this server-side timeout.
	pgxCfg.ConnConfig.RuntimeParams["statement_timeout"] = itoaMillis(cmdTimeout)

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func itoaMillis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 60000
	}
	return strconv.FormatInt(ms, 10)
}

// Pool returns the underlying database pool for subsystems that need
// direct query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS companies (
	company_code       VARCHAR(10) PRIMARY KEY,
	company_name_full  VARCHAR(255) NOT NULL UNIQUE,
	company_name_short VARCHAR(100),
	exchange           VARCHAR(50),
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS source_documents (
	doc_id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	company_code        VARCHAR(10) NOT NULL REFERENCES companies(company_code),
	doc_type            VARCHAR(20) NOT NULL CHECK (doc_type IN ('annual_report', 'research_report')),
	doc_date            DATE NOT NULL,
	report_title        TEXT,
	file_path           TEXT,
	file_hash           VARCHAR(64) UNIQUE,
	raw_llm_output      JSONB NOT NULL,
	extraction_metadata JSONB,
	original_content    TEXT,
	processing_status   VARCHAR(20) NOT NULL DEFAULT 'completed',
	error_message       TEXT,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_source_documents_company_code ON source_documents(company_code);
CREATE INDEX IF NOT EXISTS idx_source_documents_doc_type ON source_documents(doc_type);
CREATE INDEX IF NOT EXISTS idx_source_documents_file_path ON source_documents(file_path);

CREATE TABLE IF NOT EXISTS business_concepts_master (
	concept_id               UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	company_code             VARCHAR(10) NOT NULL REFERENCES companies(company_code),
	concept_name             VARCHAR(255) NOT NULL,
	concept_category         VARCHAR(50) NOT NULL CHECK (concept_category IN ('核心业务', '新兴业务', '战略布局')),
	importance_score         NUMERIC(3,2) NOT NULL CHECK (importance_score >= 0 AND importance_score <= 1),
	development_stage        VARCHAR(50),
	embedding                halfvec(2560),
	concept_details          JSONB NOT NULL,
	last_updated_from_doc_id UUID REFERENCES source_documents(doc_id),
	version                  INTEGER NOT NULL DEFAULT 1 CHECK (version >= 1),
	is_active                BOOLEAN NOT NULL DEFAULT true,
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_company_concept UNIQUE (company_code, concept_name)
);

CREATE INDEX IF NOT EXISTS idx_concepts_company_code ON business_concepts_master(company_code);
CREATE INDEX IF NOT EXISTS idx_concepts_needing_embedding ON business_concepts_master(importance_score DESC, created_at ASC) WHERE embedding IS NULL AND is_active;

CREATE OR REPLACE FUNCTION search_similar_concepts(
	query_embedding halfvec(2560),
	similarity_threshold double precision DEFAULT 0.7,
	match_limit integer DEFAULT 50
)
RETURNS TABLE (
	concept_id UUID,
	company_code VARCHAR(10),
	concept_name VARCHAR(255),
	concept_category VARCHAR(50),
	importance_score NUMERIC(3,2),
	similarity_score double precision
)
LANGUAGE sql STABLE AS $$
	SELECT
		m.concept_id,
		m.company_code,
		m.concept_name,
		m.concept_category,
		m.importance_score,
		1 - (m.embedding <=> query_embedding) AS similarity_score
	FROM business_concepts_master m
	WHERE m.is_active
	  AND m.embedding IS NOT NULL
	  AND 1 - (m.embedding <=> query_embedding) >= similarity_threshold
	ORDER BY m.embedding <=> query_embedding
	LIMIT match_limit
$$;
`

// vectorIndexMigration builds the HNSW index without blocking writers.
// CONCURRENTLY cannot run inside a transaction, so this is a separate
// statement from the base migration.
const vectorIndexMigration = `
CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_business_concepts_embedding_hnsw
ON business_concepts_master
USING hnsw (embedding halfvec_cosine_ops)
WITH (m = 16, ef_construction = 200)
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) MigrateVectorIndex(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `SET statement_timeout = '30min'`); err != nil {
		return eris.Wrap(err, "postgres: raise statement timeout")
	}
	if _, err := s.pool.Exec(ctx, vectorIndexMigration); err != nil {
		return eris.Wrap(err, "postgres: create hnsw index")
	}
	_, err := s.pool.Exec(ctx, `ANALYZE business_concepts_master`)
	return eris.Wrap(err, "postgres: analyze concepts")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, code string) (*model.Company, error) {
	var c model.Company
	err := s.pool.QueryRow(ctx,
		`SELECT company_code, company_name_full, COALESCE(company_name_short, ''), COALESCE(exchange, ''), created_at, updated_at FROM companies WHERE company_code = $1`,
		code,
	).Scan(&c.Code, &c.NameFull, &c.NameShort, &c.Exchange, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get company %s", code)
	}
	return &c, nil
}

func (s *PostgresStore) UpsertCompany(ctx context.Context, c *model.Company) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (company_code, company_name_full, company_name_short, exchange)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''))
		 ON CONFLICT (company_code) DO UPDATE SET
			company_name_full = EXCLUDED.company_name_full,
			company_name_short = COALESCE(EXCLUDED.company_name_short, companies.company_name_short),
			exchange = COALESCE(EXCLUDED.exchange, companies.exchange),
			updated_at = now()`,
		c.Code, c.NameFull, c.NameShort, c.Exchange,
	)
	return eris.Wrapf(err, "postgres: upsert company %s", c.Code)
}

func (s *PostgresStore) ListCompanyCodes(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT company_code FROM companies ORDER BY company_code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list company codes")
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company code")
		}
		codes = append(codes, code)
	}
	return codes, eris.Wrap(rows.Err(), "postgres: iterate company codes")
}

func (s *PostgresStore) ListFileHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT file_hash FROM source_documents WHERE file_hash IS NOT NULL`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list file hashes")
	}
	defer rows.Close()

	hashes := make(map[string]struct{})
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, eris.Wrap(err, "postgres: scan file hash")
		}
		hashes[h] = struct{}{}
	}
	return hashes, eris.Wrap(rows.Err(), "postgres: iterate file hashes")
}

const documentColumns = `doc_id, company_code, doc_type, doc_date, report_title, file_path, file_hash, raw_llm_output, extraction_metadata, original_content, processing_status, error_message, created_at`

func (s *PostgresStore) scanDocument(row pgx.Row) (*model.SourceDocument, error) {
	var d model.SourceDocument
	var reportTitle, filePath, fileHash, originalContent, errorMessage *string
	var rawJSON []byte
	var metaJSON *[]byte

	err := row.Scan(&d.DocID, &d.CompanyCode, &d.DocType, &d.DocDate, &reportTitle,
		&filePath, &fileHash, &rawJSON, &metaJSON, &originalContent,
		&d.ProcessingStatus, &errorMessage, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	if reportTitle != nil {
		d.ReportTitle = *reportTitle
	}
	if filePath != nil {
		d.FilePath = *filePath
	}
	if fileHash != nil {
		d.FileHash = *fileHash
	}
	if originalContent != nil {
		d.OriginalContent = *originalContent
	}
	if errorMessage != nil {
		d.ErrorMessage = *errorMessage
	}
	if err := json.Unmarshal(rawJSON, &d.RawLLMOutput); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal raw_llm_output")
	}
	if metaJSON != nil && len(*metaJSON) > 0 {
		if err := json.Unmarshal(*metaJSON, &d.ExtractionMetadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal extraction_metadata")
		}
	}
	return &d, nil
}

func (s *PostgresStore) FindDocumentByHash(ctx context.Context, fileHash string) (*model.SourceDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM source_documents WHERE file_hash = $1`, fileHash)
	doc, err := s.scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find document by hash %s", fileHash)
	}
	return doc, nil
}

func (s *PostgresStore) FindDocumentByPath(ctx context.Context, filePath string) (*model.SourceDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM source_documents WHERE file_path = $1 ORDER BY created_at DESC LIMIT 1`, filePath)
	doc, err := s.scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find document by path %s", filePath)
	}
	return doc, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, docID uuid.UUID) (*model.SourceDocument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM source_documents WHERE doc_id = $1`, docID)
	doc, err := s.scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "document %s", docID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get document %s", docID)
	}
	return doc, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc *model.SourceDocument) (uuid.UUID, error) {
	if doc.DocID == uuid.Nil {
		doc.DocID = uuid.New()
	}
	rawJSON, err := json.Marshal(doc.RawLLMOutput)
	if err != nil {
		return uuid.Nil, eris.Wrap(err, "postgres: marshal raw_llm_output")
	}
	var metaJSON []byte
	if doc.ExtractionMetadata != nil {
		metaJSON, err = json.Marshal(doc.ExtractionMetadata)
		if err != nil {
			return uuid.Nil, eris.Wrap(err, "postgres: marshal extraction_metadata")
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO source_documents (doc_id, company_code, doc_type, doc_date, report_title, file_path, file_hash, raw_llm_output, extraction_metadata, original_content, processing_status, error_message)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, NULLIF($10, ''), $11, NULLIF($12, ''))`,
		doc.DocID, doc.CompanyCode, string(doc.DocType), doc.DocDate, doc.ReportTitle,
		doc.FilePath, doc.FileHash, rawJSON, metaJSON, doc.OriginalContent,
		string(doc.ProcessingStatus), doc.ErrorMessage,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505" && pgErr.ConstraintName == "source_documents_file_hash_key":
				return uuid.Nil, eris.Wrapf(ErrDuplicateFileHash, "hash %s", doc.FileHash)
			case pgErr.Code == "23503":
				return uuid.Nil, eris.Wrapf(ErrUnknownCompany, "code %s", doc.CompanyCode)
			}
		}
		return uuid.Nil, eris.Wrap(err, "postgres: insert document")
	}
	return doc.DocID, nil
}

const conceptColumns = `concept_id, company_code, concept_name, concept_category, importance_score, development_stage, embedding::text, concept_details, last_updated_from_doc_id, version, is_active, created_at, updated_at`

func (s *PostgresStore) scanConcept(row pgx.Row) (*model.ConceptMaster, error) {
	var c model.ConceptMaster
	var stage *string
	var embeddingText *string
	var detailsJSON []byte

	err := row.Scan(&c.ConceptID, &c.CompanyCode, &c.ConceptName, &c.ConceptCategory,
		&c.ImportanceScore, &stage, &embeddingText, &detailsJSON,
		&c.LastUpdatedFromDocID, &c.Version, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if stage != nil {
		c.DevelopmentStage = *stage
	}
	if embeddingText != nil {
		c.Embedding, err = db.DecodeVector(*embeddingText)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: decode embedding")
		}
	}
	if err := json.Unmarshal(detailsJSON, &c.ConceptDetails); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal concept_details")
	}
	return &c, nil
}

func (s *PostgresStore) FindConceptByName(ctx context.Context, companyCode, conceptName string) (*model.ConceptMaster, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conceptColumns+` FROM business_concepts_master WHERE company_code = $1 AND concept_name = $2 AND is_active`,
		companyCode, conceptName)
	c, err := s.scanConcept(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find concept %s/%s", companyCode, conceptName)
	}
	return c, nil
}

func (s *PostgresStore) FindAllConceptsByCompany(ctx context.Context, companyCode string) ([]model.ConceptMaster, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conceptColumns+` FROM business_concepts_master WHERE company_code = $1 AND is_active ORDER BY importance_score DESC, concept_name`,
		companyCode)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list concepts for %s", companyCode)
	}
	defer rows.Close()

	var out []model.ConceptMaster
	for rows.Next() {
		c, err := s.scanConcept(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan concept")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate concepts")
}

func (s *PostgresStore) InsertConcept(ctx context.Context, c *model.ConceptMaster) error {
	if c.ConceptID == uuid.Nil {
		c.ConceptID = uuid.New()
	}
	detailsJSON, err := json.Marshal(c.ConceptDetails)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal concept_details")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO business_concepts_master (concept_id, company_code, concept_name, concept_category, importance_score, development_stage, concept_details, last_updated_from_doc_id, version, is_active)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, 1, true)`,
		c.ConceptID, c.CompanyCode, c.ConceptName, c.ConceptCategory,
		model.RoundScore(c.ImportanceScore), c.DevelopmentStage, detailsJSON, c.LastUpdatedFromDocID,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Another worker created the concept between our lookup and
			// this insert; surface it as a lost optimistic race.
			return eris.Wrapf(ErrOptimisticLock, "concept %s/%s already exists", c.CompanyCode, c.ConceptName)
		}
		return eris.Wrapf(err, "postgres: insert concept %s/%s", c.CompanyCode, c.ConceptName)
	}
	c.Version = 1
	return nil
}

// UpdateConcept writes a mutated concept guarded by its version: the
// caller sets c.Version to the new value and the statement matches only
// when the stored row still holds c.Version-1.
func (s *PostgresStore) UpdateConcept(ctx context.Context, c *model.ConceptMaster) error {
	if c.Version < 2 {
		return eris.Errorf("postgres: update concept requires version >= 2, got %d", c.Version)
	}
	detailsJSON, err := json.Marshal(c.ConceptDetails)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal concept_details")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE business_concepts_master
		 SET concept_category = $1, importance_score = $2, development_stage = NULLIF($3, ''),
		     concept_details = $4, last_updated_from_doc_id = $5, version = $6, updated_at = now()
		 WHERE concept_id = $7 AND version = $8`,
		c.ConceptCategory, model.RoundScore(c.ImportanceScore), c.DevelopmentStage,
		detailsJSON, c.LastUpdatedFromDocID, c.Version, c.ConceptID, c.Version-1,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update concept %s", c.ConceptID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrOptimisticLock, "concept %s at version %d", c.ConceptID, c.Version-1)
	}
	return nil
}

func (s *PostgresStore) FindConceptsNeedingEmbeddings(ctx context.Context, limit int) ([]model.ConceptMaster, error) {
	sql := `SELECT ` + conceptColumns + ` FROM business_concepts_master WHERE embedding IS NULL AND is_active ORDER BY importance_score DESC, created_at ASC`
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.pool.Query(ctx, sql+` LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, sql)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find concepts needing embeddings")
	}
	defer rows.Close()

	var out []model.ConceptMaster
	for rows.Next() {
		c, err := s.scanConcept(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan concept")
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate concepts needing embeddings")
}

// UpdateEmbedding writes one vector. Embeddings are derived data, so the
// row version is left untouched.
func (s *PostgresStore) UpdateEmbedding(ctx context.Context, conceptID uuid.UUID, embedding []float32) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE business_concepts_master SET embedding = $2::halfvec(2560), updated_at = now() WHERE concept_id = $1`,
		conceptID, db.EncodeVector(embedding),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update embedding %s", conceptID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "concept %s", conceptID)
	}
	return nil
}

// BatchUpdateEmbeddings writes a batch of vectors in one transaction and
// returns how many rows changed.
func (s *PostgresStore) BatchUpdateEmbeddings(ctx context.Context, updates []EmbeddingUpdate) (int, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin embedding batch")
	}
	defer tx.Rollback(ctx)

	updated := 0
	for _, u := range updates {
		tag, err := tx.Exec(ctx,
			`UPDATE business_concepts_master SET embedding = $2::halfvec(2560), updated_at = now() WHERE concept_id = $1`,
			u.ConceptID, db.EncodeVector(u.Embedding),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: batch update embedding %s", u.ConceptID)
		}
		updated += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit embedding batch")
	}
	return updated, nil
}

func (s *PostgresStore) ConceptCounts(ctx context.Context) ([]ConceptCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT company_code, count(*), count(embedding) FROM business_concepts_master WHERE is_active GROUP BY company_code ORDER BY company_code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: concept counts")
	}
	defer rows.Close()

	var out []ConceptCount
	for rows.Next() {
		var c ConceptCount
		if err := rows.Scan(&c.CompanyCode, &c.Total, &c.Embedded); err != nil {
			return nil, eris.Wrap(err, "postgres: scan concept count")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate concept counts")
}

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM companies),
			(SELECT count(*) FROM source_documents),
			(SELECT count(*) FROM source_documents WHERE doc_type = 'annual_report'),
			(SELECT count(*) FROM source_documents WHERE doc_type = 'research_report'),
			(SELECT count(*) FROM business_concepts_master),
			(SELECT count(*) FROM business_concepts_master WHERE is_active),
			(SELECT count(*) FROM business_concepts_master WHERE embedding IS NOT NULL)`,
	).Scan(&st.Companies, &st.SourceDocuments, &st.AnnualReports, &st.ResearchReports,
		&st.Concepts, &st.ActiveConcepts, &st.EmbeddedConcepts)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: stats")
	}
	return &st, nil
}

// ClearContent wipes all pipeline data. Used by --clear-db before a full
// rebuild.
func (s *PostgresStore) ClearContent(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`TRUNCATE business_concepts_master, source_documents, companies RESTART IDENTITY CASCADE`)
	return eris.Wrap(err, "postgres: clear content")
}
