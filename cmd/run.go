package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bibnet/marcsync/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Harvest since the last completed run and synchronize",
	Long:  "Full periodic workflow: opens a task, harvests every record published since the last completed run, reconciles the chunks into the store and closes the task.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		client, err := initClient()
		if err != nil {
			return err
		}

		task, err := initEngine(st, client).Run(ctx)
		if task != nil {
			printTaskSummary(os.Stdout, task)
		}
		return err
	},
}

func printTaskSummary(out io.Writer, task *model.TaskEntry) {
	fmt.Fprintf(out, "task %s: %s\n", task.ID, task.Status)
	fmt.Fprintf(out, "  chunks:     %d (%s)\n", task.NbChunks, task.ChunkDirectory)
	fmt.Fprintf(out, "  created:    %d\n", task.Counters.Created)
	fmt.Fprintf(out, "  updated:    %d\n", task.Counters.Updated)
	fmt.Fprintf(out, "  unchanged:  %d\n", task.Counters.Unchanged)
	fmt.Fprintf(out, "  suppressed: %d\n", task.Counters.Suppressed)
	fmt.Fprintf(out, "  deleted:    %d\n", task.Counters.Deleted)
	fmt.Fprintf(out, "  archived:   %d\n", task.Counters.Archived)
	fmt.Fprintf(out, "  data errors: %d\n", task.Counters.DataErrors)
	fmt.Fprintf(out, "  records: %d -> %d\n", task.NbRecordsAtStartTime, task.NbRecordsAtEndTime)
}

func init() {
	rootCmd.AddCommand(runCmd)
}
