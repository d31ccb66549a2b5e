package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashareinsight/pipeline-cli/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store contents at a glance",
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

		stats, err := st.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Print(renderStats(stats))
		return nil
	},
}

func renderStats(st *store.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Store contents\n")
	fmt.Fprintf(&b, "  companies:         %d\n", st.Companies)
	fmt.Fprintf(&b, "  source documents:  %d\n", st.SourceDocuments)
	fmt.Fprintf(&b, "    annual reports:  %d\n", st.AnnualReports)
	fmt.Fprintf(&b, "    research:        %d\n", st.ResearchReports)
	fmt.Fprintf(&b, "  concepts:          %d\n", st.Concepts)
	fmt.Fprintf(&b, "    active:          %d\n", st.ActiveConcepts)
	fmt.Fprintf(&b, "    embedded:        %d\n", st.EmbeddedConcepts)
	return b.String()
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
