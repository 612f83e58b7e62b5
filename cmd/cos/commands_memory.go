package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// =============================================================================
// Memory Commands
// =============================================================================

func buildBootstrapMemoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap-memory",
		Short: "Create any missing memory pages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(cmd, false)
		},
	}
}

func buildBootstrapSkillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap-skills",
		Short: "Create the memory pages and a skills page seeded with starter skills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(cmd, true)
		},
	}
}

func buildRefreshSkillsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-skills",
		Short: "Reload the skills page and list the parsed skills",
		Args:  cobra.NoArgs,
		RunE:  runRefreshSkills,
	}
}

func runBootstrap(cmd *cobra.Command, skills bool) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	created, err := a.Memory.Bootstrap(cmdContext(cmd), skills)
	out := cmd.OutOrStdout()
	for _, title := range created {
		fmt.Fprintf(out, "Created [[%s]]\n", title)
	}
	if err != nil {
		return err
	}
	if len(created) == 0 {
		fmt.Fprintln(out, "All pages already exist.")
	}
	return nil
}

func runRefreshSkills(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd, nil)
	if err != nil {
		return err
	}
	defer closeApp(cmd, a)
	a.Memory.Invalidate()
	skills, err := a.Memory.Skills(cmdContext(cmd))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(skills) == 0 {
		fmt.Fprintf(out, "No skills on [[%s]].\n", a.Memory.SkillsPage())
		return nil
	}
	fmt.Fprintf(out, "%d skills:\n", len(skills))
	for _, s := range skills {
		fmt.Fprintf(out, "  %s", s.Name)
		if s.Summary != "" {
			fmt.Fprintf(out, " - %s", s.Summary)
		}
		fmt.Fprintln(out)
		if len(s.Sources) > 0 {
			fmt.Fprintf(out, "    gathers from: %s\n", strings.Join(s.Sources, ", "))
		}
	}
	return nil
}
