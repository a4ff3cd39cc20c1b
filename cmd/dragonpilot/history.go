package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonpilot/internal/store"
)

func historyCmd(g *globals) *cobra.Command {
	var (
		limit  int
		prune  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent execution results from the SQLite history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.cfg.Store.SQLitePath == "" {
				return fmt.Errorf("store.sqlite_path is not configured")
			}
			db, err := store.OpenSQLite(g.cfg.Store.SQLitePath)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := cmd.Context()
			if prune > 0 {
				n, err := db.Prune(ctx, prune)
				if err != nil {
					return err
				}
				g.logger.Info("pruned execution history", "removed", n, "kept", prune)
			}
			results, err := db.List(ctx, limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(results)
			}
			for _, r := range results {
				status := color.GreenString("%-9s", r.Status)
				if !r.Succeeded() {
					status = color.RedString("%-9s", r.Status)
				}
				fmt.Printf("%s  %s  %s  %s\n", r.FinishedAt.Local().Format(time.DateTime), status,
					color.CyanString(r.PlanID), r.Summary())
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of results to show")
	cmd.Flags().IntVar(&prune, "prune", 0, "keep only the N most recent results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}
