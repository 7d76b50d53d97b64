package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/lewtec/tracker/internal/delivery"
	"github.com/lewtec/tracker/internal/domain"
)

// exportCmd ships review-approved records into the delivery database.
var exportCmd = &cobra.Command{
	Use:   "export [database-file]",
	Short: "Export passed and delivered records to the delivery database",
	Long: `Write every record whose review status is passed or delivered into a
sqlite delivery database. Repeated runs overwrite rows in place, so the
database always reflects the latest approved content.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, config, err := openApp(cmd)
		if err != nil {
			return err
		}

		dbPath := config.Delivery.DatabaseFile
		if len(args) == 1 {
			dbPath = args[0]
		}
		if dbPath == "" {
			return fmt.Errorf("no delivery database: pass a path or set delivery.database_file in the config")
		}

		exporter, err := delivery.Open(dbPath)
		if err != nil {
			return err
		}
		defer exporter.Close()

		stores := make([]domain.AnnotationRepository, 0, len(app.Stores))
		for _, view := range domain.Views() {
			stores = append(stores, app.Stores[view])
		}
		count, err := exporter.Export(cmd.Context(), stores...)
		if err != nil {
			return err
		}
		log.Printf("exported %d records to %s", count, dbPath)

		markDelivered, _ := cmd.Flags().GetBool("mark-delivered")
		if markDelivered {
			promoted, err := delivery.MarkDelivered(cmd.Context(), stores...)
			if err != nil {
				return err
			}
			log.Printf("marked %d passed records as delivered", promoted)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().Bool("mark-delivered", false, "Flip exported passed records to delivered")
	rootCmd.AddCommand(exportCmd)
}
