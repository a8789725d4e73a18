package main

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/NetPo4ki/scopelab/internal/lessons"
)

var (
	// Set via ldflags at build time
	version = "dev"
	commit  = "none"
)

const (
	outputTable = "table"
	outputYAML  = "yaml"
)

func checkGroup(group string) error {
	if group != "" && !slices.Contains(lessons.Groups(), group) {
		return fmt.Errorf("unknown group %q, want one of %v", group, lessons.Groups())
	}
	return nil
}

func newListCmd() *cobra.Command {
	var output, group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the lessons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkGroup(group); err != nil {
				return err
			}
			all := lessons.All(group)
			switch output {
			case outputYAML:
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(all)
			case outputTable:
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tGROUP\tSUMMARY")
				for _, l := range all {
					fmt.Fprintf(w, "%s\t%s\t%s\n", l.Name, l.Group, l.Summary)
				}
				return w.Flush()
			default:
				return fmt.Errorf("unsupported output %q, want %s or %s", output, outputTable, outputYAML)
			}
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format (table, yaml)")
	cmd.Flags().StringVar(&group, "group", "", "only list lessons of this group")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run <lesson>...",
		Short: "Run lessons one after the other",
		Example: `  scopelab run run-cancel
  scopelab run nested-exception async-exception --time-scale 0.5`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range args {
				if _, err := lessons.Lookup(name); err != nil {
					return err
				}
			}
			runner, gather := a.runner()
			for _, name := range args {
				rep, err := runner.Run(cmd.Context(), name)
				if err != nil {
					return err
				}
				a.report(rep)
			}
			return a.printMetrics(gather)
		},
	}
}

func newAllCmd(a *app) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run every lesson, or every lesson of a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkGroup(group); err != nil {
				return err
			}
			runner, gather := a.runner()
			reports, err := runner.RunAll(cmd.Context(), group)
			for _, rep := range reports {
				a.report(rep)
			}
			if err != nil {
				return err
			}
			return a.printMetrics(gather)
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "lesson group to run")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scopelab %s (commit %s)\n", version, commit)
		},
	}
}
