package cli

import (
	"fmt"

	"github.com/ignatij/gocadence/pkg/service"
	"github.com/spf13/cobra"
)

func cadenceCommand() *cobra.Command {
	cadenceCmd := &cobra.Command{Use: "cadence", Short: "Apply and control cadences"}

	applyInput := func(cmd *cobra.Command) service.ApplyCadenceInput {
		var in service.ApplyCadenceInput
		in.TemplateID, _ = cmd.Flags().GetString("template")
		in.StartDate, _ = cmd.Flags().GetString("start")
		in.Assignee, _ = cmd.Flags().GetString("assignee")
		return in
	}

	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a template to a contact",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			in := applyInput(cmd)
			in.ContactID, _ = cmd.Flags().GetString("contact")
			in.RelationshipID, _ = cmd.Flags().GetString("relationship")
			ac, err := a.cadences.ApplyCadence(cmd.Context(), in)
			if err != nil {
				return err
			}
			renderCadence(cmd.OutOrStdout(), ac)
			return nil
		}),
	}
	applyCmd.Flags().String("contact", "", "Contact ID")
	applyCmd.Flags().String("relationship", "", "Relationship ID used for the eligibility check")

	bulkCmd := &cobra.Command{
		Use:   "bulk",
		Short: "Apply a template to many contacts",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			contacts, _ := cmd.Flags().GetStringSlice("contacts")
			if len(contacts) == 0 {
				return &service.ValidationError{Field: "contacts", Reason: "is required"}
			}
			targets := make([]service.CadenceTarget, len(contacts))
			for i, c := range contacts {
				targets[i] = service.CadenceTarget{ContactID: c}
			}
			results := a.cadences.BulkApplyCadence(cmd.Context(), applyInput(cmd), targets)

			t := newTable("Bulk apply", "CONTACT", "CADENCE", "RESULT")
			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					t.addRow(res.ContactID, "-", errorStyle.Render(res.Err.Error()))
					continue
				}
				t.addRow(res.ContactID, res.Cadence.ID, styleStatus(string(res.Cadence.Status)))
			}
			t.render(cmd.OutOrStdout())
			if failed > 0 {
				return fmt.Errorf("%d of %d contacts failed", failed, len(results))
			}
			return nil
		}),
	}
	bulkCmd.Flags().StringSlice("contacts", nil, "Comma-separated contact IDs")

	for _, c := range []*cobra.Command{applyCmd, bulkCmd} {
		c.Flags().String("template", "", "Template ID")
		c.Flags().String("start", "", "Start date (YYYY-MM-DD)")
		c.Flags().String("assignee", "", "User the generated tasks are assigned to")
	}

	lifecycle := func(use, short string, run func(cmd *cobra.Command, a *app, id string) error) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <cadence-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				return run(cmd, a, args[0])
			}),
		}
	}

	pauseCmd := lifecycle("pause", "Pause an active cadence", func(cmd *cobra.Command, a *app, id string) error {
		ac, err := a.cadences.PauseCadence(cmd.Context(), id)
		if err != nil {
			return err
		}
		renderCadence(cmd.OutOrStdout(), ac)
		return nil
	})
	resumeCmd := lifecycle("resume", "Resume a paused cadence", func(cmd *cobra.Command, a *app, id string) error {
		ac, err := a.cadences.ResumeCadence(cmd.Context(), id)
		if err != nil {
			return err
		}
		renderCadence(cmd.OutOrStdout(), ac)
		return nil
	})
	clearCmd := lifecycle("clear", "End a cadence and dismiss its open tasks", func(cmd *cobra.Command, a *app, id string) error {
		reason, _ := cmd.Flags().GetString("reason")
		ac, err := a.cadences.ClearCadence(cmd.Context(), id, reason)
		if err != nil {
			return err
		}
		renderCadence(cmd.OutOrStdout(), ac)
		return nil
	})
	clearCmd.Flags().String("reason", "", "Why the cadence is cleared (required)")

	showCmd := lifecycle("show", "Show a cadence and its history", func(cmd *cobra.Command, a *app, id string) error {
		ac, err := a.cadences.GetCadence(cmd.Context(), id)
		if err != nil {
			return err
		}
		renderCadence(cmd.OutOrStdout(), ac)
		events, err := a.cadences.ListCadenceEvents(cmd.Context(), id)
		if err != nil {
			return err
		}
		renderEvents(cmd.OutOrStdout(), events)
		return nil
	})

	listCmd := &cobra.Command{
		Use:   "list <contact-id>",
		Short: "List the cadences of a contact",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			cadences, err := a.cadences.ListCadencesForContact(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderCadences(cmd.OutOrStdout(), "Cadences of "+args[0], cadences)
			return nil
		}),
	}

	cadenceCmd.AddCommand(applyCmd, bulkCmd, pauseCmd, resumeCmd, clearCmd, showCmd, listCmd)
	return cadenceCmd
}
