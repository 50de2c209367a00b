package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsherman999/domwatch/internal/exporter"
	"github.com/jsherman999/domwatch/internal/store"
)

func exportCmd(cfgPath *string) *cobra.Command {
	var format string
	var outPath string
	var module string
	var limit int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export DOM instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			_, st, closeDB, err := openStore(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer closeDB()

			q := store.ListQuery{Module: module}
			var b []byte
			switch format {
			case "json":
				b, _, err = exporter.ExportInstancesJSON(ctx, st, q, limit)
			case "csv":
				b, _, err = exporter.ExportInstancesCSV(ctx, st, q, limit)
			default:
				return fmt.Errorf("unknown format %q (use json|csv)", format)
			}
			if err != nil {
				return err
			}

			if outPath == "" || outPath == "-" {
				_, err := cmd.OutOrStdout().Write(b)
				return err
			}
			return os.WriteFile(outPath, b, 0644)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format: json|csv")
	cmd.Flags().StringVar(&outPath, "out", "-", "output path (or - for stdout)")
	cmd.Flags().StringVar(&module, "module", "", "module to export (default all)")
	cmd.Flags().IntVar(&limit, "limit", 10000, "max instances")
	return cmd
}
