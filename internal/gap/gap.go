// Package gap compares the source tree against the store and checkpoints
// to decide which filings still need pipeline work.
package gap

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ashareinsight/pipeline-cli/internal/artifact"
	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/identity"
	"github.com/ashareinsight/pipeline-cli/internal/model"
	"github.com/ashareinsight/pipeline-cli/internal/store"
)

// WorkItem is one source file the orchestrator should process.
type WorkItem struct {
	Path         string
	DocType      model.DocType
	CompanyCode  string
	FileHash     string
	LastModified time.Time
	Checkpoint   *checkpoint.Record
	InDB         bool
}

// Totals counts what the scan found and why files were skipped.
type Totals struct {
	Discovered          int
	Pending             int
	SkippedComplete     int
	SkippedArtifact     int
	SkippedKnownCompany int
	SkippedDB           int
	Errors              int
}

// Options configures a scan.
type Options struct {
	AnnualReportsDir   string
	ResearchReportsDir string
	// ForceReprocess discards prior checkpoints and queues every file.
	ForceReprocess bool
}

// Analyzer produces the deterministic work set for one pipeline run.
type Analyzer struct {
	store       store.Store
	checkpoints *checkpoint.Store
	artifacts   *artifact.Layout
	opts        Options
}

// NewAnalyzer wires the analyzer.
func NewAnalyzer(st store.Store, cps *checkpoint.Store, arts *artifact.Layout, opts Options) *Analyzer {
	return &Analyzer{store: st, checkpoints: cps, artifacts: arts, opts: opts}
}

// candidate pairs a discovered path with the doc type implied by its root.
type candidate struct {
	path    string
	docType model.DocType
}

// Scan walks both roots and classifies every candidate file. The returned
// work list is ordered annual reports first, then research reports, each
// sorted by path, so repeated runs and dry runs agree.
func (a *Analyzer) Scan(ctx context.Context) ([]WorkItem, *Totals, error) {
	knownHashes, err := a.store.ListFileHashes(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "gap: list file hashes")
	}
	codes, err := a.store.ListCompanyCodes(ctx)
	if err != nil {
		return nil, nil, eris.Wrap(err, "gap: list company codes")
	}
	existing := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		existing[code] = struct{}{}
	}

	candidates, err := a.discover()
	if err != nil {
		return nil, nil, err
	}

	totals := &Totals{Discovered: len(candidates)}
	var items []WorkItem
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, nil, eris.Wrap(err, "gap: scan cancelled")
		}
		item, skip := a.classify(ctx, c, knownHashes, existing, totals)
		if skip {
			continue
		}
		totals.Pending++
		items = append(items, item)
	}

	zap.L().Info("gap analysis finished",
		zap.Int("discovered", totals.Discovered),
		zap.Int("pending", totals.Pending),
		zap.Int("skipped_complete", totals.SkippedComplete),
		zap.Int("skipped_artifact", totals.SkippedArtifact),
		zap.Int("skipped_known_company", totals.SkippedKnownCompany),
		zap.Int("skipped_db", totals.SkippedDB),
		zap.Int("errors", totals.Errors))
	return items, totals, nil
}

func (a *Analyzer) classify(ctx context.Context, c candidate, knownHashes map[string]struct{}, existing map[string]struct{}, totals *Totals) (WorkItem, bool) {
	info, err := os.Stat(c.path)
	if err != nil {
		totals.Errors++
		zap.L().Warn("cannot stat candidate", zap.String("path", c.path), zap.Error(err))
		return WorkItem{}, true
	}
	hash, err := identity.HashFile(c.path)
	if err != nil {
		totals.Errors++
		zap.L().Warn("cannot hash candidate", zap.String("path", c.path), zap.Error(err))
		return WorkItem{}, true
	}
	_, inDB := knownHashes[hash]

	code, err := identity.ExtractCompanyCode(c.path)
	if err != nil {
		zap.L().Debug("company code scan failed", zap.String("path", c.path), zap.Error(err))
	}

	if a.opts.ForceReprocess {
		rec := a.checkpoints.Fresh(c.path, hash, info.ModTime())
		return WorkItem{
			Path:         c.path,
			DocType:      c.docType,
			CompanyCode:  code,
			FileHash:     hash,
			LastModified: info.ModTime(),
			Checkpoint:   rec,
			InDB:         inDB,
		}, false
	}

	hadCheckpoint := a.checkpoints.Exists(c.path)
	rec := a.checkpoints.Load(c.path, hash, info.ModTime())
	if rec.FileHash != hash {
		// File changed since the last run; the archive stage re-verifies.
		rec.FileHash = hash
		rec.LastModified = info.ModTime().Unix()
	}

	if hadCheckpoint && rec.Complete() {
		totals.SkippedComplete++
		return WorkItem{}, true
	}

	// An artifact plus an archived row means the full outcome exists;
	// an artifact alone only spares the LLM call, the document still
	// needs archival, so it stays queued and S1 short-circuits.
	if a.artifacts.Exists(c.docType, c.path) && inDB {
		for _, stage := range checkpoint.StageOrder {
			if !rec.StageDone(stage) {
				now := time.Now()
				rec.Stages[stage].Status = checkpoint.StatusSuccess
				rec.Stages[stage].Timestamp = &now
			}
		}
		if err := a.checkpoints.Save(rec); err != nil {
			zap.L().Warn("cannot save checkpoint", zap.String("path", c.path), zap.Error(err))
		}
		totals.SkippedArtifact++
		return WorkItem{}, true
	}

	// Cost avoidance: a second annual report for a registered company
	// gets a placeholder artifact instead of an LLM call. The document
	// is still queued so archive, fusion, and vectorization run.
	if c.docType == model.DocTypeAnnualReport && code != "" && !a.artifacts.Exists(c.docType, c.path) {
		if _, known := existing[code]; known {
			a.synthesizeSkip(ctx, c, code, rec)
			totals.SkippedKnownCompany++
		}
	}

	if inDB && !hadCheckpoint {
		doc, err := a.store.FindDocumentByHash(ctx, hash)
		if err != nil {
			zap.L().Warn("hash lookup failed", zap.String("path", c.path), zap.Error(err))
		} else if doc != nil {
			rec = a.checkpoints.ReconstructFromDB(c.path, hash, info.ModTime(), doc)
			if err := a.checkpoints.Save(rec); err != nil {
				zap.L().Warn("cannot save checkpoint", zap.String("path", c.path), zap.Error(err))
			}
			totals.SkippedDB++
			return WorkItem{}, true
		}
	}

	return WorkItem{
		Path:         c.path,
		DocType:      c.docType,
		CompanyCode:  code,
		FileHash:     hash,
		LastModified: info.ModTime(),
		Checkpoint:   rec,
		InDB:         inDB,
	}, false
}

// synthesizeSkip writes the cost-avoidance placeholder artifact and records
// the skipped extraction in the checkpoint.
func (a *Analyzer) synthesizeSkip(ctx context.Context, c candidate, code string, rec *checkpoint.Record) {
	company, err := a.store.GetCompany(ctx, code)
	if err != nil {
		zap.L().Warn("company lookup failed during cost-avoidance skip",
			zap.String("company_code", code), zap.Error(err))
	}
	env := artifact.Synthesized(code, company, c.docType)
	if _, err := a.artifacts.Write(c.docType, c.path, env); err != nil {
		zap.L().Warn("cannot write placeholder artifact", zap.String("path", c.path), zap.Error(err))
		return
	}
	err = a.checkpoints.UpdateStage(rec, checkpoint.StageExtraction, checkpoint.StatusSuccess, func(st *checkpoint.StageState) {
		st.SkippedLLM = true
		st.Reason = "company_exists"
	})
	if err != nil {
		zap.L().Warn("cannot save checkpoint", zap.String("path", c.path), zap.Error(err))
	}
}

func (a *Analyzer) discover() ([]candidate, error) {
	var out []candidate
	roots := []struct {
		dir     string
		docType model.DocType
	}{
		{a.opts.AnnualReportsDir, model.DocTypeAnnualReport},
		{a.opts.ResearchReportsDir, model.DocTypeResearchReport},
	}
	for _, root := range roots {
		if root.dir == "" {
			continue
		}
		paths, err := collectSources(root.dir)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			out = append(out, candidate{path: p, docType: root.docType})
		}
	}
	return out, nil
}

// collectSources returns every .md and .txt file under dir, sorted. A
// missing root is not an error; it just contributes nothing.
func collectSources(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "gap: walk %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}
