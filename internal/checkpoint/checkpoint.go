// Package checkpoint persists per-source-file pipeline state so an
// interrupted run resumes exactly where it stopped.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ashareinsight/pipeline-cli/internal/model"
)

// SchemaVersion identifies the on-disk record layout. Records with an
// unknown version are treated as absent and rebuilt.
const SchemaVersion = 1

// Stage names, in execution order.
const (
	StageExtraction    = "extraction"
	StageArchive       = "archive"
	StageFusion        = "fusion"
	StageVectorization = "vectorization"
)

// StageOrder lists the four stages in the order the orchestrator runs them.
var StageOrder = []string{StageExtraction, StageArchive, StageFusion, StageVectorization}

// Stage statuses. A stage moves from pending to exactly one terminal
// status; failed stages may be re-attempted and overwritten.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// StageState is the persisted state of one pipeline stage.
type StageState struct {
	Status     string     `json:"status"`
	Timestamp  *time.Time `json:"timestamp"`
	Error      string     `json:"error,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	DocID      string     `json:"doc_id,omitempty"`
	Concepts   int        `json:"concepts,omitempty"`
	Vectors    int        `json:"vectors,omitempty"`
	SkippedLLM bool       `json:"skipped_llm,omitempty"`
}

// Record is the full checkpoint for one source file.
type Record struct {
	SchemaVersion int                    `json:"schema_version"`
	FilePath      string                 `json:"file_path"`
	FileHash      string                 `json:"file_hash"`
	LastModified  int64                  `json:"last_modified"`
	Stages        map[string]*StageState `json:"stages"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Complete reports whether every stage finished with success.
func (r *Record) Complete() bool {
	for _, name := range StageOrder {
		st, ok := r.Stages[name]
		if !ok || st.Status != StatusSuccess {
			return false
		}
	}
	return true
}

// StageDone reports whether the named stage already succeeded.
func (r *Record) StageDone(name string) bool {
	st, ok := r.Stages[name]
	return ok && st.Status == StatusSuccess
}

// Store reads and writes checkpoint records under a single directory. A
// record's filename is derived from the source path stem.
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "checkpoint: create directory")
	}
	return &Store{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string { return s.dir }

// PathFor maps a source file to its checkpoint file.
func (s *Store) PathFor(sourcePath string) string {
	base := filepath.Base(sourcePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(s.dir, stem+"_checkpoint.json")
}

// Load returns the existing record for sourcePath, or a fresh one with all
// four stages pending when the file is missing, unparsable, or from an
// unknown schema version.
func (s *Store) Load(sourcePath, fileHash string, lastModified time.Time) *Record {
	path := s.PathFor(sourcePath)
	b, err := os.ReadFile(path)
	if err == nil {
		var rec Record
		if json.Unmarshal(b, &rec) == nil && rec.SchemaVersion == SchemaVersion && len(rec.Stages) == len(StageOrder) {
			return &rec
		}
	}
	return s.fresh(sourcePath, fileHash, lastModified)
}

// Fresh returns a new all-pending record without touching disk. Used when
// a forced reprocess discards prior stage results.
func (s *Store) Fresh(sourcePath, fileHash string, lastModified time.Time) *Record {
	return s.fresh(sourcePath, fileHash, lastModified)
}

// Exists reports whether a checkpoint file is present for sourcePath.
func (s *Store) Exists(sourcePath string) bool {
	_, err := os.Stat(s.PathFor(sourcePath))
	return err == nil
}

func (s *Store) fresh(sourcePath, fileHash string, lastModified time.Time) *Record {
	now := time.Now()
	stages := make(map[string]*StageState, len(StageOrder))
	for _, name := range StageOrder {
		stages[name] = &StageState{Status: StatusPending}
	}
	return &Record{
		SchemaVersion: SchemaVersion,
		FilePath:      sourcePath,
		FileHash:      fileHash,
		LastModified:  lastModified.Unix(),
		Stages:        stages,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// ReconstructFromDB builds a fully successful record from an archived
// SourceDocument whose hash matches the file on disk, so the pipeline does
// not redo work that is already durable.
func (s *Store) ReconstructFromDB(sourcePath, fileHash string, lastModified time.Time, doc *model.SourceDocument) *Record {
	rec := s.fresh(sourcePath, fileHash, lastModified)
	ts := doc.CreatedAt
	for _, name := range StageOrder {
		rec.Stages[name].Status = StatusSuccess
		rec.Stages[name].Timestamp = &ts
	}
	rec.Stages[StageArchive].DocID = doc.DocID.String()
	return rec
}

// UpdateStage mutates one stage and persists the whole record atomically.
// mutate may adjust stage fields beyond the status.
func (s *Store) UpdateStage(rec *Record, stage, status string, mutate func(*StageState)) error {
	st, ok := rec.Stages[stage]
	if !ok {
		return eris.Errorf("checkpoint: unknown stage %q", stage)
	}
	now := time.Now()
	st.Status = status
	st.Timestamp = &now
	if mutate != nil {
		mutate(st)
	}
	rec.UpdatedAt = now
	return s.Save(rec)
}

// Save writes the record via a temp file and rename, so a crash mid-write
// never leaves a torn checkpoint on disk.
func (s *Store) Save(rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal record")
	}
	path := s.PathFor(rec.FilePath)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: sync temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: rename into place")
	}
	return nil
}

// Clear removes every checkpoint file in the directory. Used by full
// rebuilds.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, eris.Wrap(err, "checkpoint: read directory")
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_checkpoint.json") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return removed, eris.Wrap(err, "checkpoint: remove file")
		}
		removed++
	}
	return removed, nil
}
