package stats

import (
	"bytes"
	"fmt"

	"artlift-orchestrator/internal/models"

	"github.com/xuri/excelize/v2"
)

// ExportSheet 导出工作表名称
const ExportSheet = "Daily Stats"

// ExportHeader 导出表头
var ExportHeader = []string{
	"Date",
	"Installation ID",
	"Name",
	"Installed",
	"Views",
	"Total Duration (s)",
	"Average Duration (s)",
}

// ExportWorkbook 生成按日统计 Excel 文件
func ExportWorkbook(rows []models.DailyRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	// 默认工作表直接改名
	if err := f.SetSheetName("Sheet1", ExportSheet); err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(ExportSheet, "A1", &ExportHeader); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(ExportHeader), 1)
	if err := f.SetCellStyle(ExportSheet, "A1", lastHeader, headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		var avg float64
		if r.Views > 0 {
			avg = float64(r.TotalDuration) / float64(r.Views)
		}
		installed := "yes"
		if !r.IsStill {
			installed = "removed"
		}
		values := []interface{}{r.Date, r.InstallationID, r.Name, installed, r.Views, r.TotalDuration, avg}
		if err := f.SetSheetRow(ExportSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	for col, width := range []float64{12, 16, 28, 10, 10, 18, 20} {
		name, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetColWidth(ExportSheet, name, name, width); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
