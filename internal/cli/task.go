package cli

import (
	"fmt"
	"time"

	"github.com/ignatij/gocadence/pkg/models"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/spf13/cobra"
)

func addTaskQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("q", "", "Text to search for in title and description")
	cmd.Flags().StringSlice("status", nil, "Task statuses (pending, completed, triaged, dismissed)")
	cmd.Flags().StringSlice("type", nil, "Task types (call, email, text, meeting, send_mailer, other)")
	cmd.Flags().String("assignee", "", "Assigned user")
	cmd.Flags().String("contact", "", "Contact ID")
	cmd.Flags().String("org", "", "Organization ID")
	cmd.Flags().String("cadence", "", "Applied cadence ID")
	cmd.Flags().String("due-from", "", "Earliest due date (YYYY-MM-DD)")
	cmd.Flags().String("due-to", "", "Latest due date (YYYY-MM-DD)")
	cmd.Flags().Int("page", 0, "Page number, starting at 1")
	cmd.Flags().Int("page-size", 0, "Tasks per page")
}

// taskQueryFromFlags overlays the flags the user set on base.
func taskQueryFromFlags(cmd *cobra.Command, base service.TaskQuery) (service.TaskQuery, error) {
	q := base
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	date := func(name string, dst **time.Time) error {
		if !flags.Changed(name) {
			return nil
		}
		raw, _ := flags.GetString(name)
		if raw == "" {
			*dst = nil
			return nil
		}
		d, err := models.ParseDate(raw)
		if err != nil {
			return &service.ValidationError{Field: name, Reason: "must be a date in YYYY-MM-DD format"}
		}
		*dst = &d
		return nil
	}

	str("q", &q.Query)
	str("assignee", &q.Assignee)
	str("contact", &q.ContactID)
	str("org", &q.OrganizationID)
	str("cadence", &q.AppliedCadenceID)
	if flags.Changed("page") {
		q.Page, _ = flags.GetInt("page")
	}
	if flags.Changed("page-size") {
		q.PageSize, _ = flags.GetInt("page-size")
	}
	if flags.Changed("status") {
		statuses, _ := flags.GetStringSlice("status")
		q.Statuses = nil
		for _, s := range statuses {
			q.Statuses = append(q.Statuses, models.TaskStatus(s))
		}
	}
	if flags.Changed("type") {
		types, _ := flags.GetStringSlice("type")
		q.TaskTypes = nil
		for _, t := range types {
			q.TaskTypes = append(q.TaskTypes, models.TaskType(t))
		}
	}
	if err := date("due-from", &q.DueFrom); err != nil {
		return service.TaskQuery{}, err
	}
	if err := date("due-to", &q.DueTo); err != nil {
		return service.TaskQuery{}, err
	}
	return q, nil
}

func taskCommand() *cobra.Command {
	taskCmd := &cobra.Command{Use: "task", Short: "Search and update tasks"}

	searchCmd := &cobra.Command{
		Use:   "search",
		Short: "Search tasks, optionally starting from a saved filter",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			prefs, err := a.preferences()
			if err != nil {
				return err
			}
			var base service.TaskQuery
			if name, _ := cmd.Flags().GetString("filter"); name != "" {
				saved, ok := prefs.Filter(name)
				if !ok {
					return fmt.Errorf("no saved filter named %q", name)
				}
				base = saved
			}
			q, err := taskQueryFromFlags(cmd, base)
			if err != nil {
				return err
			}
			if q.PageSize == 0 {
				q.PageSize = prefs.Get().DefaultPageSize
			}
			page, err := a.tasks.SearchTasks(cmd.Context(), q)
			if err != nil {
				return err
			}
			renderTaskPage(cmd.OutOrStdout(), page)
			return nil
		}),
	}
	addTaskQueryFlags(searchCmd)
	searchCmd.Flags().String("filter", "", "Name of a saved filter to start from")

	statusCmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Set a task's status; finishing a cadence task advances its cadence",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			task, err := a.tasks.UpdateTaskStatus(cmd.Context(), args[0], models.TaskStatus(args[1]))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated the status of task %s to '%s'\n", task.ID, task.Status)
			return nil
		}),
	}

	bulkStatusCmd := &cobra.Command{
		Use:   "bulk-status <status> <task-id>...",
		Short: "Set the status of many tasks",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			status, ids := models.TaskStatus(args[0]), args[1:]
			errs := a.tasks.BulkUpdateTaskStatus(cmd.Context(), ids, status)
			failed := 0
			for i, err := range errs {
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %v\n", errorStyle.Render("✗"), ids[i], err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d of %d tasks to '%s'\n", len(ids)-failed, len(ids), status)
			if failed > 0 {
				return fmt.Errorf("%d tasks failed", failed)
			}
			return nil
		}),
	}

	taskCmd.AddCommand(searchCmd, statusCmd, bulkStatusCmd)
	return taskCmd
}
