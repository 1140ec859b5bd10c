package cli

import (
	"fmt"
	"sort"

	"github.com/ignatij/gocadence/internal/preferences"
	"github.com/ignatij/gocadence/pkg/service"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func prefsCommand() *cobra.Command {
	prefsCmd := &cobra.Command{Use: "prefs", Short: "Manage local UI preferences and saved task filters"}

	withPrefs := func(fn func(cmd *cobra.Command, prefs *preferences.Store, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			prefs, err := openPreferences(cfg)
			if err != nil {
				return err
			}
			return fn(cmd, prefs, args)
		}
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the preferences file",
		Args:  cobra.NoArgs,
		RunE: withPrefs(func(cmd *cobra.Command, prefs *preferences.Store, _ []string) error {
			p := prefs.Get()
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("# "+prefs.Path()))
			names := make([]string, 0, len(p.SavedFilters))
			for name := range p.SavedFilters {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(cmd.OutOrStdout(), "sidebar_collapsed: %t\ndefault_page_size: %d\n", p.SidebarCollapsed, p.DefaultPageSize)
			for _, name := range names {
				data, err := yaml.Marshal(p.SavedFilters[name])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", headerStyle.Render("filter "+name+":"), data)
			}
			return nil
		}),
	}

	setFilterCmd := &cobra.Command{
		Use:   "set-filter <name>",
		Short: "Save a named task filter",
		Args:  cobra.ExactArgs(1),
		RunE: withPrefs(func(cmd *cobra.Command, prefs *preferences.Store, args []string) error {
			q, err := taskQueryFromFlags(cmd, service.TaskQuery{})
			if err != nil {
				return err
			}
			if err := prefs.SaveFilter(args[0], q); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved filter '%s'\n", args[0])
			return nil
		}),
	}
	addTaskQueryFlags(setFilterCmd)

	deleteFilterCmd := &cobra.Command{
		Use:   "delete-filter <name>",
		Short: "Remove a saved task filter",
		Args:  cobra.ExactArgs(1),
		RunE: withPrefs(func(cmd *cobra.Command, prefs *preferences.Store, args []string) error {
			if err := prefs.DeleteFilter(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted filter '%s'\n", args[0])
			return nil
		}),
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change display preferences",
		Args:  cobra.NoArgs,
		RunE: withPrefs(func(cmd *cobra.Command, prefs *preferences.Store, _ []string) error {
			err := prefs.Update(func(p *preferences.Preferences) error {
				if cmd.Flags().Changed("page-size") {
					size, _ := cmd.Flags().GetInt("page-size")
					if size < 1 || size > service.MaxPageSize {
						return &service.ValidationError{Field: "page-size", Reason: fmt.Sprintf("must be between 1 and %d", service.MaxPageSize)}
					}
					p.DefaultPageSize = size
				}
				if cmd.Flags().Changed("sidebar-collapsed") {
					p.SidebarCollapsed, _ = cmd.Flags().GetBool("sidebar-collapsed")
				}
				return nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved preferences to %s\n", prefs.Path())
			return nil
		}),
	}
	setCmd.Flags().Int("page-size", 0, "Default task page size")
	setCmd.Flags().Bool("sidebar-collapsed", false, "Collapse the sidebar")

	prefsCmd.AddCommand(showCmd, setFilterCmd, deleteFilterCmd, setCmd)
	return prefsCmd
}
