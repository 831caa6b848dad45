package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/store"
)

var (
	exportSession  string
	exportCategory string
	exportStatus   string
	exportLimit    int
	exportOutput   string
	exportFormat   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored items to a spreadsheet",
	Long: `Reads finalized items from the store and writes them to an XLSX
workbook (or JSON with --format json) for listing prep.

Examples:
  # Everything, one sheet
  scanpipe export --output items.xlsx

  # One session, tools only
  scanpipe export --session 6f1c... --category tools --output tools.xlsx`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("export"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		items, err := st.ListItems(ctx, store.ItemFilter{
			SessionToken: exportSession,
			Category:     exportCategory,
			Status:       model.ClassificationStatus(exportStatus),
			Limit:        exportLimit,
		})
		if err != nil {
			return eris.Wrap(err, "export: list items")
		}
		if len(items) == 0 {
			zap.L().Warn("export: no items matched the filter")
		}

		if exportFormat == "json" {
			return writeItemsJSON(items, exportOutput)
		}

		if err := writeItemsXLSX(items, exportOutput); err != nil {
			return err
		}
		zap.L().Info("export complete",
			zap.Int("items", len(items)),
			zap.String("path", exportOutput),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportSession, "session", "", "filter by session token")
	exportCmd.Flags().StringVar(&exportCategory, "category", "", "filter by category")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "filter by classification status")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "max items to export (0 = all)")
	exportCmd.Flags().StringVar(&exportOutput, "output", "items.xlsx", "output file path")
	exportCmd.Flags().StringVar(&exportFormat, "format", "xlsx", "output format: xlsx (default) or json")
	rootCmd.AddCommand(exportCmd)
}

var exportHeader = []string{
	"Session", "Item ID", "Label", "Category", "Status",
	"Confidence", "Price Low", "Price High", "Merges",
	"First Seen", "Last Seen", "Saved At",
}

// writeItemsXLSX writes one row per stored item to a single-sheet workbook.
func writeItemsXLSX(items []model.StoredItem, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Items")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range exportHeader {
		header.AddCell().SetString(h)
	}

	for _, si := range items {
		it := si.Item
		row := sheet.AddRow()
		row.AddCell().SetString(si.SessionToken)
		row.AddCell().SetString(it.ID)
		row.AddCell().SetString(it.Label)
		row.AddCell().SetString(it.Category)
		row.AddCell().SetString(string(it.Status))
		row.AddCell().SetString(fmt.Sprintf("%.2f", it.MaxConfidence))
		if it.PriceRange != nil {
			row.AddCell().SetFloat(it.PriceRange.Low)
			row.AddCell().SetFloat(it.PriceRange.High)
		} else {
			row.AddCell().SetString("")
			row.AddCell().SetString("")
		}
		row.AddCell().SetInt(it.MergeCount)
		row.AddCell().SetString(it.FirstSeenAt.Format(time.RFC3339))
		row.AddCell().SetString(it.LastSeenAt.Format(time.RFC3339))
		row.AddCell().SetString(si.SavedAt.Format(time.RFC3339))
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save workbook")
	}
	return nil
}
