package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"hokhau/internal/domain"
)

const (
	householdSheet = "Households"
	memberSheet    = "Members"
)

// HouseholdExportHeader 户口表头
var HouseholdExportHeader = []string{
	"Code", "Status", "Address", "Ward", "District", "Province", "Issued At", "Head", "Members", "Note",
}

// MemberExportHeader 成员表头
var MemberExportHeader = []string{
	"Household Code", "Name", "Relation", "National ID", "Birth Date", "Sex", "Birthplace",
	"Ethnicity", "Nationality", "Occupation", "Residency Status",
}

var (
	householdColumnWidths = []float64{10, 10, 36, 18, 18, 18, 12, 24, 10, 30}
	memberColumnWidths    = []float64{14, 24, 20, 16, 12, 8, 18, 12, 14, 20, 20}
)

// GenerateHouseholdExport 生成户口导出 Excel：Households 与 Members 两个工作表
func GenerateHouseholdExport(details []*domain.HouseholdDetail) ([]byte, error) {
	f := excelize.NewFile()

	hhIndex, err := f.NewSheet(householdSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(memberSheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	// 删除默认的 Sheet1
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(hhIndex)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeSheetHeader(f, householdSheet, HouseholdExportHeader, householdColumnWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSheetHeader(f, memberSheet, MemberExportHeader, memberColumnWidths, headerStyle); err != nil {
		f.Close()
		return nil, err
	}

	memberRow := 2
	for i, d := range details {
		h := d.Household
		head := ""
		for _, m := range d.Members {
			if m.PersonID == d.HeadPersonID {
				head = m.Name
			}
		}
		row := []any{
			h.Code, string(h.Status), h.AddressLine, h.Ward, h.District, h.Province,
			formatDate(h.IssuedAt), head, len(d.Members), h.Note,
		}
		if err := writeRow(f, householdSheet, i+2, row); err != nil {
			f.Close()
			return nil, err
		}

		for _, m := range d.Members {
			row := []any{
				h.Code, m.Name, string(m.Relation), m.NationalID, formatDate(m.BirthDate), m.Sex,
				m.Birthplace, m.Ethnicity, m.Nationality, m.Occupation, string(m.ResidencyStatus),
			}
			if err := writeRow(f, memberSheet, memberRow, row); err != nil {
				f.Close()
				return nil, err
			}
			memberRow++
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// writeSheetHeader 写表头、列宽并冻结首行
func writeSheetHeader(f *excelize.File, sheet string, headers []string, widths []float64, style int) error {
	for col, header := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, header); err != nil {
			return fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return fmt.Errorf("failed to set header style: %w", err)
		}
		if col < len(widths) {
			name, err := excelize.ColumnNumberToName(col + 1)
			if err != nil {
				return fmt.Errorf("failed to convert column number: %w", err)
			}
			if err := f.SetColWidth(sheet, name, name, widths[col]); err != nil {
				return fmt.Errorf("failed to set column width: %w", err)
			}
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze panes: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for i, v := range values {
		if v == "" {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to set cell %s: %w", cell, err)
		}
	}
	return nil
}

func formatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02")
}
