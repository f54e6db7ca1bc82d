package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/bibnet/marcsync/internal/model"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect harvest run history",
	Long:  "Commands for listing, viewing and exporting harvest task records.",
}

// -- tasks list --

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List harvest tasks",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		tasks, err := st.ListTasks(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "tasks list")
		}

		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}

		formatTasksList(os.Stdout, tasks)
		return nil
	},
}

// -- tasks show --

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show full details of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		task, err := st.GetTask(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "tasks show")
		}
		if task == nil {
			return eris.Errorf("task %s not found", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

// -- tasks export --

var tasksExportCmd = &cobra.Command{
	Use:   "export <file.xlsx>",
	Short: "Export task history to a spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		limit, _ := cmd.Flags().GetInt("limit")
		tasks, err := st.ListTasks(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "tasks export")
		}

		if err := writeTasksXLSX(args[0], tasks); err != nil {
			return err
		}
		fmt.Printf("exported %d tasks to %s\n", len(tasks), args[0])
		return nil
	},
}

func init() {
	tasksListCmd.Flags().Int("limit", 50, "max number of tasks to display")
	tasksExportCmd.Flags().Int("limit", 1000, "max number of tasks to export")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
	tasksCmd.AddCommand(tasksExportCmd)
	rootCmd.AddCommand(tasksCmd)
}

// formatTasksList writes a tabular list of tasks to w.
func formatTasksList(out io.Writer, tasks []model.TaskEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTART\tDURATION\tCHUNKS\tCREATED\tUPDATED\tDELETED\tERRORS")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t--------\t------\t-------\t-------\t-------\t------")

	for _, t := range tasks {
		dur := ""
		if t.EndTime != nil {
			dur = (time.Duration(t.DurationSecs) * time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			truncateID(t.ID),
			t.Status,
			t.StartTime.Format("2006-01-02 15:04"),
			dur,
			t.NbChunks,
			t.Counters.Created,
			t.Counters.Updated,
			t.Counters.Deleted,
			t.Counters.DataErrors,
		)
	}
	_ = w.Flush()
}

var taskExportHeader = []string{
	"id", "status", "start_time", "end_time", "duration_secs", "chunk_directory",
	"nb_chunks", "records_at_start", "records_at_end", "created", "updated",
	"unchanged", "suppressed", "deleted", "archived", "data_errors", "critical_error",
}

// writeTasksXLSX writes the task history as a spreadsheet for operators.
func writeTasksXLSX(path string, tasks []model.TaskEntry) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Tasks")
	if err != nil {
		return eris.Wrap(err, "tasks export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range taskExportHeader {
		header.AddCell().Value = h
	}

	for _, t := range tasks {
		row := sheet.AddRow()
		row.AddCell().Value = t.ID
		row.AddCell().Value = string(t.Status)
		row.AddCell().Value = t.StartTime.Format(time.RFC3339)
		if t.EndTime != nil {
			row.AddCell().Value = t.EndTime.Format(time.RFC3339)
		} else {
			row.AddCell().Value = ""
		}
		row.AddCell().SetInt64(t.DurationSecs)
		row.AddCell().Value = t.ChunkDirectory
		row.AddCell().SetInt(t.NbChunks)
		row.AddCell().SetInt64(t.NbRecordsAtStartTime)
		row.AddCell().SetInt64(t.NbRecordsAtEndTime)
		row.AddCell().SetInt64(t.Counters.Created)
		row.AddCell().SetInt64(t.Counters.Updated)
		row.AddCell().SetInt64(t.Counters.Unchanged)
		row.AddCell().SetInt64(t.Counters.Suppressed)
		row.AddCell().SetInt64(t.Counters.Deleted)
		row.AddCell().SetInt64(t.Counters.Archived)
		row.AddCell().SetInt64(t.Counters.DataErrors)
		row.AddCell().SetBool(t.CriticalError)
	}

	return eris.Wrapf(file.Save(path), "tasks export: save %s", path)
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
