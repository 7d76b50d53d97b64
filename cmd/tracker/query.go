package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"
)

// queryCmd lists images by derived status.
var queryCmd = &cobra.Command{
	Use:   "query [status]",
	Short: "List images by lifecycle status",
	Long: `List every known image with its derived status, optionally filtered.
Statuses: unassigned, unfinished, completed, passed, failed, delivered.
Use "all" (or no argument) for everything.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := "all"
		if len(args) == 1 {
			filter = args[0]
		}
		sortBy, _ := cmd.Flags().GetString("sort")
		dump, _ := cmd.Flags().GetBool("dump")

		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		rows, err := app.Engine.ListImages(cmd.Context(), filter, sortBy)
		if err != nil {
			return err
		}
		if dump {
			spew.Dump(rows)
			return nil
		}
		for _, row := range rows {
			assigned := "-"
			if row.AssignedAt != nil {
				assigned = row.AssignedAt.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%d\t%s\t%s\t%s\t%s\n", row.ImageID, row.View, row.Status, row.WorkerID, assigned)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().String("sort", "oldest", "Sort order: oldest, newest or image_id")
	queryCmd.Flags().Bool("dump", false, "Dump raw rows instead of the tab-separated listing")
	rootCmd.AddCommand(queryCmd)
}
