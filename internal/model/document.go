package model

import (
	"time"

	"github.com/google/uuid"
)

// DocType classifies a source filing.
type DocType string

const (
	DocTypeAnnualReport   DocType = "annual_report"
	DocTypeResearchReport DocType = "research_report"
)

// Valid reports whether the doc type is one of the two supported kinds.
func (d DocType) Valid() bool {
	return d == DocTypeAnnualReport || d == DocTypeResearchReport
}

// ProcessingStatus tracks the archival state of a source document.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// Company is the registry row for an A-share issuer. The six-digit stock
// code is the primary key in its own namespace.
type Company struct {
	Code      string    `json:"code"`
	NameFull  string    `json:"name_full"`
	NameShort string    `json:"name_short"`
	Exchange  string    `json:"exchange"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceDocument is one archived extraction. file_hash is unique across
// rows; a document is archived exactly once per hash.
type SourceDocument struct {
	DocID              uuid.UUID            `json:"doc_id"`
	CompanyCode        string               `json:"company_code"`
	DocType            DocType              `json:"doc_type"`
	DocDate            time.Time            `json:"doc_date"`
	ReportTitle        string               `json:"report_title"`
	FilePath           string               `json:"file_path"`
	FileHash           string               `json:"file_hash"`
	RawLLMOutput       ExtractionEnvelope   `json:"raw_llm_output"`
	ExtractionMetadata map[string]any       `json:"extraction_metadata,omitempty"`
	OriginalContent    string               `json:"original_content,omitempty"`
	ProcessingStatus   ProcessingStatus     `json:"processing_status"`
	ErrorMessage       string               `json:"error_message,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}
