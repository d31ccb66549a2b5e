package model

import "encoding/json"

// ExtractionEnvelope is the persisted raw LLM output for one document. The
// envelope is stored verbatim in source_documents.raw_llm_output so fusion
// can be re-run without another extraction call.
type ExtractionEnvelope struct {
	ExtractionData ExtractionData `json:"extraction_data"`
	Raw            string         `json:"raw_output,omitempty"`
	Model          string         `json:"model,omitempty"`
	PromptVersion  string         `json:"prompt_version,omitempty"`
	ProcessingTime float64        `json:"processing_time_seconds,omitempty"`
	Timestamp      string         `json:"timestamp,omitempty"`
}

// ExtractionData is the structured payload inside an envelope. Annual
// reports carry the full company block; research reports carry at least the
// company code and report title. Fields the extractor emits beyond the ones
// modeled here are preserved in Extra and round-trip through archival.
type ExtractionData struct {
	CompanyCode      string            `json:"company_code"`
	CompanyNameFull  string            `json:"company_name_full,omitempty"`
	CompanyNameShort string            `json:"company_name_short,omitempty"`
	Exchange         string            `json:"exchange,omitempty"`
	ReportTitle      string            `json:"report_title,omitempty"`
	DocType          DocType           `json:"doc_type,omitempty"`
	BusinessConcepts []BusinessConcept `json:"business_concepts"`

	Extra map[string]json.RawMessage `json:"-"`
}

var extractionDataKnownKeys = map[string]struct{}{
	"company_code":       {},
	"company_name_full":  {},
	"company_name_short": {},
	"exchange":           {},
	"report_title":       {},
	"doc_type":           {},
	"business_concepts":  {},
}

// UnmarshalJSON keeps unknown keys instead of dropping them, so an envelope
// written by a newer extractor survives a round trip through this binary.
func (d *ExtractionData) UnmarshalJSON(b []byte) error {
	type alias ExtractionData
	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	for k := range raw {
		if _, known := extractionDataKnownKeys[k]; known {
			delete(raw, k)
		}
	}
	if len(raw) == 0 {
		raw = nil
	}
	*d = ExtractionData(a)
	d.Extra = raw
	return nil
}

// MarshalJSON re-emits preserved unknown keys alongside the modeled fields.
func (d ExtractionData) MarshalJSON() ([]byte, error) {
	type alias ExtractionData
	b, err := json.Marshal(alias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, err
	}
	for k, v := range d.Extra {
		if _, known := extractionDataKnownKeys[k]; !known {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// BusinessConcept is one extracted concept as it appears in the envelope,
// before fusion into the master table.
type BusinessConcept struct {
	ConceptName      string         `json:"concept_name"`
	ConceptCategory  string         `json:"concept_category"`
	Description      string         `json:"description"`
	ImportanceScore  float64        `json:"importance_score"`
	DevelopmentStage string         `json:"development_stage"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	Timeline         map[string]any `json:"timeline,omitempty"`
	Relations        Relations      `json:"relations"`
	SourceSentences  []string       `json:"source_sentences,omitempty"`
}

// Relations lists named counterparties attached to a concept. Union
// semantics apply during fusion.
type Relations struct {
	Customers               []string `json:"customers,omitempty"`
	Partners                []string `json:"partners,omitempty"`
	SubsidiariesOrInvestees []string `json:"subsidiaries_or_investees,omitempty"`
}
