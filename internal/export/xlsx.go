package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trickyagency/tiktok-to-tube-sub003/internal/config"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/database"
	"github.com/trickyagency/tiktok-to-tube-sub003/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// Exporter renders the upload attempt history into xlsx workbooks for the
// agency's reporting. Files land under the configured exports directory.
type Exporter struct {
	db     *database.DB
	cfg    config.ExportConfig
	logger zerolog.Logger
}

func NewExporter(db *database.DB, cfg config.ExportConfig, logger zerolog.Logger) *Exporter {
	return &Exporter{db: db, cfg: cfg, logger: logger}
}

// UploadHistory создает Excel файл с историей попыток за период.
// Верхняя граница диапазона исключающая.
func (e *Exporter) UploadHistory(ctx context.Context, from, to time.Time) (string, error) {
	if err := os.MkdirAll(e.cfg.Path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	logs, err := e.db.GetUploadLogsByDateRange(ctx, from, to)
	if err != nil {
		return "", fmt.Errorf("error getting upload logs: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Uploads"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	lastDay := to.AddDate(0, 0, -1)
	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Период: %s - %s",
		from.Format("02.01.2006"), lastDay.Format("02.01.2006")))

	e.writeHeaders(f, sheetName)
	e.writeRows(f, sheetName, logs)

	_ = f.SetColWidth(sheetName, "A", "D", 14)
	_ = f.SetColWidth(sheetName, "E", "J", 22)
	_ = f.MergeCell(sheetName, "A1", "J1")

	style, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", style)

	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("uploads_%s_to_%s.xlsx",
		from.Format("2006-01-02"), lastDay.Format("2006-01-02"))
	filePath := filepath.Join(e.cfg.Path, fileName)

	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("rows", len(logs)).Msg("Excel file created")
	return filePath, nil
}

func (e *Exporter) writeHeaders(f *excelize.File, sheetName string) {
	headers := []string{
		"Attempt ID", "Item", "Channel", "Attempt #", "Status",
		"Error Phase", "Error Code", "Started At", "Total, ms", "Error Message",
	}

	style, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})

	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(sheetName, cell, header)
		_ = f.SetCellStyle(sheetName, cell, cell, style)
	}
}

func (e *Exporter) writeRows(f *excelize.File, sheetName string, logs []models.UploadLog) {
	for i, entry := range logs {
		row := i + 3
		values := []any{
			entry.ID,
			entry.QueueItemID,
			entry.ChannelID,
			entry.Attempt,
			entry.Status,
			entry.ErrorPhase,
			entry.ErrorCode,
			entry.StartedAt.Format("2006-01-02 15:04:05"),
			entry.TotalMs,
			entry.ErrorMessage,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row)
			_ = f.SetCellValue(sheetName, cell, value)
		}
	}
}
