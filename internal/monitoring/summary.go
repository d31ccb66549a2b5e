package monitoring

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// RunSummary accumulates counters for one pipeline invocation and renders
// the end-of-run report. All fields are safe for concurrent workers.
type RunSummary struct {
	Start time.Time

	Discovered    atomic.Int64
	Completed     atomic.Int64
	Failed        atomic.Int64
	SkippedDone   atomic.Int64
	SkippedLocked atomic.Int64
	LLMSkipped    atomic.Int64

	ConceptsCreated atomic.Int64
	ConceptsUpdated atomic.Int64
	VectorsWritten  atomic.Int64
}

// NewRunSummary starts the clock.
func NewRunSummary() *RunSummary {
	return &RunSummary{Start: time.Now()}
}

// Render returns the human-readable run report.
func (r *RunSummary) Render() string {
	var b strings.Builder
	elapsed := time.Since(r.Start).Round(time.Second)
	fmt.Fprintf(&b, "Pipeline run finished in %s\n", elapsed)
	fmt.Fprintf(&b, "  discovered:        %d\n", r.Discovered.Load())
	fmt.Fprintf(&b, "  completed:         %d\n", r.Completed.Load())
	fmt.Fprintf(&b, "  failed:            %d\n", r.Failed.Load())
	fmt.Fprintf(&b, "  skipped (done):    %d\n", r.SkippedDone.Load())
	fmt.Fprintf(&b, "  skipped (locked):  %d\n", r.SkippedLocked.Load())
	fmt.Fprintf(&b, "  LLM calls skipped: %d\n", r.LLMSkipped.Load())
	fmt.Fprintf(&b, "  concepts created:  %d\n", r.ConceptsCreated.Load())
	fmt.Fprintf(&b, "  concepts updated:  %d\n", r.ConceptsUpdated.Load())
	fmt.Fprintf(&b, "  vectors written:   %d\n", r.VectorsWritten.Load())
	return b.String()
}
