package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var syncDir string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize an existing chunk directory into the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if syncDir == "" {
			return eris.New("--dir is required")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		task, err := initEngine(st, nil).SyncDir(ctx, syncDir)
		if task != nil {
			printTaskSummary(os.Stdout, task)
		}
		return err
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncDir, "dir", "", "directory holding the chunk files to process")
	rootCmd.AddCommand(syncCmd)
}
