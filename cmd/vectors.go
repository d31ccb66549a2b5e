package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashareinsight/pipeline-cli/internal/checkpoint"
	"github.com/ashareinsight/pipeline-cli/internal/store"
	"github.com/ashareinsight/pipeline-cli/internal/vector"
)

var (
	vectorsCompany string
	vectorsRebuild bool
	vectorsLimit   int
)

var vectorsCmd = &cobra.Command{
	Use:   "vectors",
	Short: "Manage concept embeddings",
}

var vectorsBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Embed concepts that are missing vectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("vectors"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		builder := vector.NewBuilder(st, initEmbedder(cfg.Embedding), nil, vector.Config{
			BatchSize:     cfg.Embedding.MaxBatchSize,
			MaxTextLength: cfg.Embedding.MaxTextLength,
		})

		var status *vector.Status
		if vectorsCompany != "" {
			status, err = builder.BuildForCompany(ctx, vectorsCompany)
		} else {
			// The sink survives interrupts so a rerun picks up where the
			// last build stopped.
			var sink *checkpoint.VectorSink
			sink, err = checkpoint.OpenVectorSink(filepath.Join(cfg.Data.CheckpointDir, "vector_build.json"))
			if err != nil {
				return err
			}
			status, err = builder.Build(ctx, vector.BuildOptions{
				Rebuild: vectorsRebuild,
				Limit:   vectorsLimit,
				Sink:    sink,
			})
			if err == nil && status.Failed == 0 {
				if rmErr := sink.Remove(); rmErr != nil {
					zap.L().Warn("cannot remove vector sink", zap.Error(rmErr))
				}
			}
		}
		if err != nil {
			return err
		}

		fmt.Printf("Vector build finished in %s\n", status.ProcessingTime.Round(time.Millisecond))
		fmt.Printf("  total:     %d\n", status.Total)
		fmt.Printf("  succeeded: %d\n", status.Succeeded)
		fmt.Printf("  failed:    %d\n", status.Failed)
		fmt.Printf("  skipped:   %d\n", status.Skipped)
		return nil
	},
}

var vectorsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedding coverage per company",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("db"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		counts, err := st.ConceptCounts(ctx)
		if err != nil {
			return err
		}
		fmt.Print(renderConceptCounts(counts, vectorsCompany))
		return nil
	},
}

func renderConceptCounts(counts []store.ConceptCount, company string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %8s %8s %8s\n", "company", "total", "embedded", "pending")
	for _, c := range counts {
		if company != "" && c.CompanyCode != company {
			continue
		}
		fmt.Fprintf(&b, "%-10s %8d %8d %8d\n", c.CompanyCode, c.Total, c.Embedded, c.Total-c.Embedded)
	}
	return b.String()
}

func init() {
	vectorsBuildCmd.Flags().StringVar(&vectorsCompany, "company", "", "embed only this company's concepts")
	vectorsBuildCmd.Flags().BoolVar(&vectorsRebuild, "rebuild", false, "re-embed every active concept")
	vectorsBuildCmd.Flags().IntVar(&vectorsLimit, "limit", 0, "max concepts to embed (0 = all)")
	vectorsStatusCmd.Flags().StringVar(&vectorsCompany, "company", "", "show only this company")
	vectorsCmd.AddCommand(vectorsBuildCmd, vectorsStatusCmd)
	rootCmd.AddCommand(vectorsCmd)
}
