package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonpilot/internal/registry"
)

func toolsCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the capabilities a mission step can use",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := newRegistry(g.cfg, g.logger)
			if err != nil {
				return err
			}
			return printTools(r, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tool summaries as JSON")
	return cmd
}

func printTools(r *registry.Registry, asJSON bool) error {
	summaries := r.Summaries()
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}
	for _, s := range summaries {
		fmt.Printf("%s %s\n", color.CyanString(s.Name), color.New(color.Faint).Sprintf("(%s, max wait %s)", s.Kind, s.MaxWait))
		fmt.Printf("    %s\n", s.Description)
		for _, a := range s.Args {
			req := "optional"
			if a.Required {
				req = "required"
			}
			fmt.Printf("    - %-12s %-7s %s\n", a.Name, a.Type, req)
		}
		if len(s.Preconditions) > 0 {
			fmt.Printf("    requires: %s\n", strings.Join(s.Preconditions, "; "))
		}
	}
	return nil
}
