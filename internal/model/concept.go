package model

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Concept categories form a closed three-value set. Anything else is
// rejected at fusion time.
const (
	CategoryCore      = "核心业务"
	CategoryEmerging  = "新兴业务"
	CategoryStrategic = "战略布局"
)

// ValidCategory reports whether c is one of the three allowed categories.
func ValidCategory(c string) bool {
	switch c {
	case CategoryCore, CategoryEmerging, CategoryStrategic:
		return true
	}
	return false
}

// ConceptDetails is the JSONB payload on a master row. Relations carry
// union semantics across fusions; metrics and timeline are overwritten
// wholesale by each newer document.
type ConceptDetails struct {
	Description     string         `json:"description,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	Timeline        map[string]any `json:"timeline,omitempty"`
	Relations       Relations      `json:"relations"`
	SourceSentences []string       `json:"source_sentences,omitempty"`
}

// ConceptMaster is a row of business_concepts_master, the authoritative
// per-company concept record. Version increments by exactly one on every
// business-data mutation; embedding writes leave it untouched.
type ConceptMaster struct {
	ConceptID            uuid.UUID      `json:"concept_id"`
	CompanyCode          string         `json:"company_code"`
	ConceptName          string         `json:"concept_name"`
	ConceptCategory      string         `json:"concept_category"`
	ImportanceScore      float64        `json:"importance_score"`
	DevelopmentStage     string         `json:"development_stage"`
	Embedding            []float32      `json:"-"`
	ConceptDetails       ConceptDetails `json:"concept_details"`
	LastUpdatedFromDocID *uuid.UUID     `json:"last_updated_from_doc_id,omitempty"`
	Version              int            `json:"version"`
	IsActive             bool           `json:"is_active"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// RoundScore quantizes an importance score to the two-decimal precision the
// NUMERIC(3,2) column stores.
func RoundScore(v float64) float64 {
	return math.Round(v*100) / 100
}
