package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateWithVectorIndex bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
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

		if err := st.Migrate(ctx); err != nil {
			return err
		}
		zap.L().Info("schema migrated")

		if migrateWithVectorIndex {
			if err := st.MigrateVectorIndex(ctx); err != nil {
				return err
			}
			zap.L().Info("HNSW index and search function created")
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateWithVectorIndex, "with-vector-index", false, "also build the HNSW index and search_similar_concepts function")
	rootCmd.AddCommand(migrateCmd)
}
