package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/ignatij/gocadence/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// readTemplateInput decodes a YAML (or JSON) template definition. "-" reads stdin.
func readTemplateInput(cmd *cobra.Command, path string) (service.TemplateInput, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return service.TemplateInput{}, errors.Wrapf(err, "reading template %s", path)
	}
	var in service.TemplateInput
	if err := yaml.Unmarshal(data, &in); err != nil {
		return service.TemplateInput{}, errors.Wrapf(err, "parsing template %s", path)
	}
	return in, nil
}

func printValidation(cmd *cobra.Command, err error) error {
	var verrs service.ValidationErrors
	if errors.As(err, &verrs) {
		for _, v := range verrs {
			fmt.Fprintln(cmd.ErrOrStderr(), errorStyle.Render("✗ ")+v.Error())
		}
	}
	return err
}

func templateCommand() *cobra.Command {
	templateCmd := &cobra.Command{Use: "template", Short: "Manage cadence templates"}

	validateCmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a template definition without saving it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := readTemplateInput(cmd, args[0])
			if err != nil {
				return err
			}
			tmpl, err := service.ValidateTemplate(in)
			if err != nil {
				return printValidation(cmd, err)
			}
			renderTemplate(cmd.OutOrStdout(), tmpl)
			fmt.Fprintln(cmd.OutOrStdout(), "Template is valid")
			return nil
		},
	}

	createCmd := &cobra.Command{
		Use:   "create <file>",
		Short: "Create a template from a YAML definition",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			in, err := readTemplateInput(cmd, args[0])
			if err != nil {
				return err
			}
			tmpl, err := a.templates.CreateTemplate(cmd.Context(), in)
			if err != nil {
				return printValidation(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created template '%s' with ID %s\n", tmpl.Name, tmpl.ID)
			return nil
		}),
	}

	replaceCmd := &cobra.Command{
		Use:   "replace <id> <file>",
		Short: "Replace a template definition with a new version",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			in, err := readTemplateInput(cmd, args[1])
			if err != nil {
				return err
			}
			tmpl, err := a.templates.ReplaceTemplate(cmd.Context(), args[0], in)
			if err != nil {
				return printValidation(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Template %s is now version %d\n", tmpl.ID, tmpl.Version)
			return nil
		}),
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			activeOnly, _ := cmd.Flags().GetBool("active")
			templates, err := a.templates.ListTemplates(cmd.Context(), activeOnly)
			if err != nil {
				return err
			}
			renderTemplates(cmd.OutOrStdout(), templates)
			return nil
		}),
	}
	listCmd.Flags().Bool("active", false, "Only list active templates")

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			tmpl, err := a.templates.GetTemplate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			renderTemplate(cmd.OutOrStdout(), tmpl)
			return nil
		}),
	}

	setActive := func(use, short string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
				if err := a.templates.SetTemplateActive(cmd.Context(), args[0], active); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Template %s %sd\n", args[0], use)
				return nil
			}),
		}
	}

	templateCmd.AddCommand(validateCmd, createCmd, replaceCmd, listCmd, showCmd,
		setActive("activate", "Allow a template to be applied", true),
		setActive("deactivate", "Stop new applications of a template", false))
	return templateCmd
}

func relationshipCommand() *cobra.Command {
	relationshipCmd := &cobra.Command{Use: "relationship", Short: "Register contact relationships"}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Register a business relationship for a contact",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var in service.RelationshipInput
			in.ID, _ = cmd.Flags().GetString("id")
			in.ContactID, _ = cmd.Flags().GetString("contact")
			in.OrganizationID, _ = cmd.Flags().GetString("org")
			in.Type, _ = cmd.Flags().GetString("type")
			rel, err := a.relationships.SaveRelationship(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s relationship %s for contact %s\n", rel.Type, rel.ID, rel.ContactID)
			return nil
		}),
	}
	addCmd.Flags().String("id", "", "Relationship ID (generated when empty)")
	addCmd.Flags().String("contact", "", "Contact ID")
	addCmd.Flags().String("org", "", "Organization ID")
	addCmd.Flags().String("type", "", "Relationship type (prospect, client, past_client, referral_partner, vendor, investor, other)")

	relationshipCmd.AddCommand(addCmd)
	return relationshipCmd
}
