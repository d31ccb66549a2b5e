package fusion

import (
	"github.com/google/uuid"

	"github.com/ashareinsight/pipeline-cli/internal/model"
)

// DefaultMaxSourceSentences caps the evidence list on a master row.
const DefaultMaxSourceSentences = 20

// Merge folds one extracted concept into an existing master row and
// returns the mutated copy with its version advanced by one. Overwrite
// fields take the newer document's value; cumulative fields union.
func Merge(current model.ConceptMaster, incoming model.BusinessConcept, docID uuid.UUID, maxSentences int) model.ConceptMaster {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSourceSentences
	}
	merged := current

	merged.ImportanceScore = model.RoundScore(incoming.ImportanceScore)
	if incoming.DevelopmentStage != "" {
		merged.DevelopmentStage = incoming.DevelopmentStage
	}
	if incoming.Metrics != nil {
		merged.ConceptDetails.Metrics = incoming.Metrics
	}
	if incoming.Timeline != nil {
		merged.ConceptDetails.Timeline = incoming.Timeline
	}

	// Longer description wins; ties keep the stored one.
	if len([]rune(incoming.Description)) > len([]rune(merged.ConceptDetails.Description)) {
		merged.ConceptDetails.Description = incoming.Description
	}

	merged.ConceptDetails.Relations = model.Relations{
		Customers:               unionOrdered(current.ConceptDetails.Relations.Customers, incoming.Relations.Customers),
		Partners:                unionOrdered(current.ConceptDetails.Relations.Partners, incoming.Relations.Partners),
		SubsidiariesOrInvestees: unionOrdered(current.ConceptDetails.Relations.SubsidiariesOrInvestees, incoming.Relations.SubsidiariesOrInvestees),
	}

	merged.ConceptDetails.SourceSentences = dedupeCapped(
		append(append([]string{}, current.ConceptDetails.SourceSentences...), incoming.SourceSentences...),
		maxSentences,
	)

	id := docID
	merged.LastUpdatedFromDocID = &id
	merged.Version = current.Version + 1
	return merged
}

// NewMaster builds a first-version master row from an extracted concept.
func NewMaster(companyCode string, incoming model.BusinessConcept, docID uuid.UUID, maxSentences int) model.ConceptMaster {
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSourceSentences
	}
	id := docID
	return model.ConceptMaster{
		CompanyCode:      companyCode,
		ConceptName:      incoming.ConceptName,
		ConceptCategory:  incoming.ConceptCategory,
		ImportanceScore:  model.RoundScore(incoming.ImportanceScore),
		DevelopmentStage: incoming.DevelopmentStage,
		ConceptDetails: model.ConceptDetails{
			Description: incoming.Description,
			Metrics:     incoming.Metrics,
			Timeline:    incoming.Timeline,
			Relations: model.Relations{
				Customers:               unionOrdered(nil, incoming.Relations.Customers),
				Partners:                unionOrdered(nil, incoming.Relations.Partners),
				SubsidiariesOrInvestees: unionOrdered(nil, incoming.Relations.SubsidiariesOrInvestees),
			},
			SourceSentences: dedupeCapped(incoming.SourceSentences, maxSentences),
		},
		LastUpdatedFromDocID: &id,
		Version:              1,
		IsActive:             true,
	}
}

// unionOrdered merges two lists keeping first-seen order and dropping
// duplicates.
func unionOrdered(current, incoming []string) []string {
	if len(current) == 0 && len(incoming) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(current)+len(incoming))
	out := make([]string, 0, len(current)+len(incoming))
	for _, lst := range [][]string{current, incoming} {
		for _, v := range lst {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// dedupeCapped preserves first occurrence order and truncates to max.
func dedupeCapped(in []string, max int) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		if len(out) == max {
			break
		}
	}
	return out
}
