package cockpit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"queuesync/internal/models"

	"github.com/xuri/excelize/v2"
)

// ExportDay writes the current board to an .xlsx file in dir and
// returns the file path. Operator-triggered; there is no scheduled
// export.
func ExportDay(board *models.Board, dir string) (string, error) {
	if board == nil {
		return "", fmt.Errorf("no board to export")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	sheetName := "Queue"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	_ = f.SetCellValue(sheetName, "A1", fmt.Sprintf("Queue board %s", board.FetchedAt.Format("02.01.2006 15:04")))
	_ = f.MergeCell(sheetName, "A1", "D1")

	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(sheetName, "A1", "A1", titleStyle)

	headers := []string{"Token", "Service", "Scheduled", "Status"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 3)
		_ = f.SetCellValue(sheetName, cell, h)
	}

	row := 4
	writeEntry := func(token int, service string, at time.Time, status string) {
		values := []interface{}{token, service, at.Format("15:04"), status}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, row)
			_ = f.SetCellValue(sheetName, cell, v)
		}
		row++
	}

	if serving := board.CurrentlyServing; serving != nil {
		writeEntry(serving.TokenNumber, serving.ServiceName, serving.DateTime, serving.Status)
	}
	for _, entry := range board.Waiting {
		writeEntry(entry.TokenNumber, entry.ServiceName, entry.DateTime, entry.Status)
	}

	_ = f.SetColWidth(sheetName, "A", "A", 10)
	_ = f.SetColWidth(sheetName, "B", "D", 24)
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("queue_%s.xlsx", board.FetchedAt.Format("2006-01-02_150405"))
	filePath := filepath.Join(dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}
	return filePath, nil
}
