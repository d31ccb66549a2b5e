package main

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashareinsight/pipeline-cli/internal/gap"
)

var (
	pipeAnnualDir        string
	pipeResearchDir      string
	pipeForceReprocess   bool
	pipeDryRun           bool
	pipeClearDB          bool
	pipeClearCheckpoints bool
	pipeBuildIndices     bool
	pipeFullRebuild      bool
	pipeMaxConcurrent    int
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the incremental four-stage filing pipeline",
	Long:  "Scans the report directories, skips work that is already done, and drives each remaining document through extraction, archival, fusion, and vectorization.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if pipeAnnualDir != "" {
			cfg.Data.AnnualReportsDir = pipeAnnualDir
		}
		if pipeResearchDir != "" {
			cfg.Data.ResearchReportsDir = pipeResearchDir
		}
		if pipeMaxConcurrent > 0 {
			cfg.Pipeline.MaxConcurrent = pipeMaxConcurrent
		}
		if pipeFullRebuild {
			pipeForceReprocess = true
			pipeClearDB = true
			pipeClearCheckpoints = true
			pipeBuildIndices = true
		}

		env, err := initPipelineEnv(ctx, gap.Options{
			AnnualReportsDir:   cfg.Data.AnnualReportsDir,
			ResearchReportsDir: cfg.Data.ResearchReportsDir,
			ForceReprocess:     pipeForceReprocess,
		})
		if err != nil {
			return err
		}
		defer env.Close()

		if pipeClearDB {
			if err := env.Store.ClearContent(ctx); err != nil {
				return err
			}
			zap.L().Info("database content cleared")
		}
		if pipeClearCheckpoints {
			n, err := env.Checkpoints.Clear()
			if err != nil {
				return err
			}
			zap.L().Info("checkpoints cleared", zap.Int("removed", n))
		}
		if pipeBuildIndices {
			if err := env.Store.MigrateVectorIndex(ctx); err != nil {
				return err
			}
			zap.L().Info("vector index and search function ensured")
		}

		items, totals, err := env.Analyzer.Scan(ctx)
		if err != nil {
			return eris.Wrap(err, "gap scan")
		}
		env.Metrics.QueueDepth.Set(float64(len(items)))

		if pipeDryRun {
			fmt.Print(renderPlan(items, totals))
			return nil
		}

		summary, err := env.Orchestrator.Run(ctx, items)
		if err != nil {
			return err
		}
		fmt.Print(summary.Render())

		if summary.Failed.Load() > 0 {
			return eris.Errorf("%d document(s) failed", summary.Failed.Load())
		}
		return nil
	},
}

// renderPlan prints the gap analysis without touching any stage.
func renderPlan(items []gap.WorkItem, totals *gap.Totals) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Gap analysis (dry run)\n")
	fmt.Fprintf(&b, "  discovered:              %d\n", totals.Discovered)
	fmt.Fprintf(&b, "  pending:                 %d\n", totals.Pending)
	fmt.Fprintf(&b, "  skipped (complete):      %d\n", totals.SkippedComplete)
	fmt.Fprintf(&b, "  skipped (artifact):      %d\n", totals.SkippedArtifact)
	fmt.Fprintf(&b, "  skipped (known company): %d\n", totals.SkippedKnownCompany)
	fmt.Fprintf(&b, "  skipped (in database):   %d\n", totals.SkippedDB)
	fmt.Fprintf(&b, "  errors:                  %d\n", totals.Errors)
	for _, item := range items {
		fmt.Fprintf(&b, "  would process %s %s\n", item.DocType, item.Path)
	}
	return b.String()
}

func init() {
	pipelineCmd.Flags().StringVar(&pipeAnnualDir, "annual-reports-dir", "", "directory of annual report files (overrides config)")
	pipelineCmd.Flags().StringVar(&pipeResearchDir, "research-reports-dir", "", "directory of research report files (overrides config)")
	pipelineCmd.Flags().BoolVar(&pipeForceReprocess, "force-reprocess", false, "ignore checkpoints and artifacts, redo every document")
	pipelineCmd.Flags().BoolVar(&pipeDryRun, "dry-run", false, "print the work plan without running any stage")
	pipelineCmd.Flags().BoolVar(&pipeClearDB, "clear-db", false, "truncate pipeline tables before running")
	pipelineCmd.Flags().BoolVar(&pipeClearCheckpoints, "clear-checkpoints", false, "delete checkpoint files before running")
	pipelineCmd.Flags().BoolVar(&pipeBuildIndices, "build-indices", false, "ensure the HNSW index and search function exist")
	pipelineCmd.Flags().BoolVar(&pipeFullRebuild, "full-rebuild", false, "clear everything and reprocess from scratch (implies the four flags above)")
	pipelineCmd.Flags().IntVar(&pipeMaxConcurrent, "max-concurrent", 0, "max documents processed in parallel (overrides config)")
	rootCmd.AddCommand(pipelineCmd)
}
