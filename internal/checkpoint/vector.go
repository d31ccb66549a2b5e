package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
)

// VectorSink tracks which concept IDs already received an embedding during
// a standalone index build, so an interrupted build resumes without
// re-embedding. It shares the atomic temp-and-rename write discipline of
// the per-document store.
type VectorSink struct {
	path string
	done map[string]struct{}
}

type vectorSinkFile struct {
	SchemaVersion int       `json:"schema_version"`
	EmbeddedIDs   []string  `json:"embedded_ids"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OpenVectorSink loads an existing sink file or starts empty.
func OpenVectorSink(path string) (*VectorSink, error) {
	s := &VectorSink{path: path, done: make(map[string]struct{})}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, eris.Wrap(err, "checkpoint: read vector sink")
	}
	var f vectorSinkFile
	if err := json.Unmarshal(b, &f); err != nil || f.SchemaVersion != SchemaVersion {
		// Corrupt or from another layout; restart the build bookkeeping.
		return s, nil
	}
	for _, id := range f.EmbeddedIDs {
		s.done[id] = struct{}{}
	}
	return s, nil
}

// Done reports whether the concept already has an embedding from this
// build.
func (s *VectorSink) Done(conceptID string) bool {
	_, ok := s.done[conceptID]
	return ok
}

// Mark records one embedded concept in memory. Call Flush after each batch
// to persist.
func (s *VectorSink) Mark(conceptID string) {
	s.done[conceptID] = struct{}{}
}

// Count returns how many concepts are marked done.
func (s *VectorSink) Count() int { return len(s.done) }

// Flush persists the sink atomically.
func (s *VectorSink) Flush() error {
	ids := make([]string, 0, len(s.done))
	for id := range s.done {
		ids = append(ids, id)
	}
	f := vectorSinkFile{SchemaVersion: SchemaVersion, EmbeddedIDs: ids, UpdatedAt: time.Now()}
	b, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return eris.Wrap(err, "checkpoint: marshal vector sink")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "vector-sink-*.tmp")
	if err != nil {
		return eris.Wrap(err, "checkpoint: create vector sink temp")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: write vector sink temp")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: close vector sink temp")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return eris.Wrap(err, "checkpoint: rename vector sink")
	}
	return nil
}

// Remove deletes the sink file once a build finishes cleanly.
func (s *VectorSink) Remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return eris.Wrap(err, "checkpoint: remove vector sink")
	}
	return nil
}
