// Package artifact manages the extracted-JSON files the pipeline keeps on
// disk next to the store. Artifacts double as an extraction cache: their
// presence lets a rerun skip the LLM call.
package artifact

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ashareinsight/pipeline-cli/internal/model"
)

// Layout maps source files to their extracted-JSON artifacts under a single
// output root, one subdirectory per document type.
type Layout struct {
	dir string
}

// NewLayout creates the output root if needed.
func NewLayout(dir string) (*Layout, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "artifact: create output root")
	}
	return &Layout{dir: dir}, nil
}

// Dir returns the output root.
func (l *Layout) Dir() string { return l.dir }

// PathFor returns the canonical artifact path for a source file:
// {root}/{doc_type}s/{stem}_extracted.json.
func (l *Layout) PathFor(docType model.DocType, sourcePath string) string {
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(l.dir, string(docType)+"s", stem+"_extracted.json")
}

// Exists reports whether the artifact for a source file is already on disk.
func (l *Layout) Exists(docType model.DocType, sourcePath string) bool {
	_, err := os.Stat(l.PathFor(docType, sourcePath))
	return err == nil
}

// Write persists an envelope atomically as pretty-printed UTF-8. Chinese
// text is written as-is, not as \u escapes.
func (l *Layout) Write(docType model.DocType, sourcePath string, env *model.ExtractionEnvelope) (string, error) {
	path := l.PathFor(docType, sourcePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrap(err, "artifact: create type directory")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(env); err != nil {
		return "", eris.Wrap(err, "artifact: marshal envelope")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", eris.Wrap(err, "artifact: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", eris.Wrap(err, "artifact: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", eris.Wrap(err, "artifact: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", eris.Wrap(err, "artifact: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", eris.Wrap(err, "artifact: rename into place")
	}
	return path, nil
}

// Read loads an envelope from its artifact path.
func (l *Layout) Read(docType model.DocType, sourcePath string) (*model.ExtractionEnvelope, error) {
	path := l.PathFor(docType, sourcePath)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "artifact: read %s", path)
	}
	var env model.ExtractionEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, eris.Wrapf(err, "artifact: parse %s", path)
	}
	return &env, nil
}

// Synthesized builds the placeholder envelope written when the LLM call is
// skipped for an annual report whose company is already registered. It
// carries only company identity and an empty concept list.
func Synthesized(companyCode string, company *model.Company, docType model.DocType) *model.ExtractionEnvelope {
	data := model.ExtractionData{
		CompanyCode:      companyCode,
		DocType:          docType,
		BusinessConcepts: []model.BusinessConcept{},
	}
	if company != nil {
		data.CompanyNameFull = company.NameFull
		data.CompanyNameShort = company.NameShort
		data.Exchange = company.Exchange
	}
	return &model.ExtractionEnvelope{
		ExtractionData: data,
		Model:          "skipped",
		Timestamp:      time.Now().Format(time.RFC3339),
	}
}
