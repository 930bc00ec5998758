package main

import (
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newEnginesCommand(gs *globalState) *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the tracked search engines",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			reg, err := gs.registry()
			if err != nil {
				return err
			}
			name := color.New(color.FgCyan, color.Bold)
			faint := color.New(color.Faint)
			for _, e := range reg.Engines() {
				kind := "multi-page"
				if e.SinglePage {
					kind = "single-page"
				}
				gs.printf("%s %s\n", name.Sprint(e.Name), faint.Sprintf("(%s)", kind))
				gs.printf("  %s\n", strings.Join(e.Patterns, "\n  "))
			}
			return nil
		},
	}
}
