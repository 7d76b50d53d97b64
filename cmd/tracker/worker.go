package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the worker registry",
}

var workerAddCmd = &cobra.Command{
	Use:   "add <id> [display name]",
	Short: "Register a new worker",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		displayName := strings.Join(args[1:], " ")
		worker, err := app.Workers.Add(cmd.Context(), args[0], displayName)
		if err != nil {
			return err
		}
		fmt.Printf("added worker %s (%s)\n", worker.ID, worker.DisplayName)
		return nil
	},
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workers and their assigned counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		workers, err := app.Workers.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, worker := range workers {
			fmt.Printf("%s\t%s\t%d assigned\n", worker.ID, worker.DisplayName, len(worker.AssignedAt))
		}
		return nil
	},
}

var workerRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a worker; their saved records stay in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, _, err := openApp(cmd)
		if err != nil {
			return err
		}
		if err := app.Workers.Remove(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("removed worker %s\n", args[0])
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerAddCmd)
	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerRemoveCmd)
	rootCmd.AddCommand(workerCmd)
}
