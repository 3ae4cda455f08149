package reports

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/costing_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

const (
	OverheadSheet = "Overhead"
	dateLayout    = "2006-01-02"
)

var overheadHeadings = []string{
	"Period",
	"Start",
	"End",
	"Amount",
	"Source",
	"Effective Minutes",
	"Cost Per Minute",
	"Sessions",
	"Merged Periods",
	"Duplicates Eliminated",
	"Clipped Periods",
	"Excluded Sessions",
	"Rate Updated",
}

// OverheadRow is one period line of the overhead report.
type OverheadRow struct {
	models.OverheadCostPeriod
}

func (r OverheadRow) GetCellValues() []interface{} {
	rateUpdated := ""
	if r.RateUpdatedAt != nil {
		rateUpdated = r.RateUpdatedAt.UTC().Format(time.RFC3339)
	}
	return []interface{}{
		r.ID,
		r.StartDate.UTC().Format(dateLayout),
		r.EndDate.UTC().Format(dateLayout),
		r.Amount.InexactFloat64(),
		string(r.AmountSource),
		r.EffectiveMinutes.InexactFloat64(),
		r.CostPerMinute.InexactFloat64(),
		r.SessionsCount,
		r.MergedPeriodsCount,
		r.DuplicatesEliminated,
		r.ClippedPeriods,
		r.ExcludedSessionsCount,
		rateUpdated,
	}
}

// OverheadWorkbook lays out one row per period, oldest first, and a totals row for amount and
// effective minutes.
func OverheadWorkbook(periods []models.OverheadCostPeriod) (*excelize.File, error) {
	rows := make([]OverheadRow, 0, len(periods))
	for _, p := range periods {
		rows = append(rows, OverheadRow{p})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].StartDate.Equal(rows[j].StartDate) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].StartDate.Before(rows[j].StartDate)
	})

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", OverheadSheet); err != nil {
		return nil, err
	}

	for i, h := range overheadHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(OverheadSheet, cell, h); err != nil {
			return nil, err
		}
	}

	totalAmount := decimal.Zero
	totalMinutes := decimal.Zero
	rowNo := 2
	for _, r := range rows {
		for i, value := range r.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(OverheadSheet, cell, value); err != nil {
				return nil, err
			}
		}
		totalAmount = totalAmount.Add(r.Amount)
		totalMinutes = totalMinutes.Add(r.EffectiveMinutes)
		rowNo++
	}

	totals := map[string]interface{}{
		fmt.Sprintf("A%d", rowNo): "Total",
		fmt.Sprintf("D%d", rowNo): totalAmount.InexactFloat64(),
		fmt.Sprintf("F%d", rowNo): totalMinutes.InexactFloat64(),
	}
	for cell, value := range totals {
		if err := f.SetCellValue(OverheadSheet, cell, value); err != nil {
			return nil, err
		}
	}

	if err := f.SetPanes(OverheadSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// OverheadWorkbookBytes renders the workbook as an xlsx file.
func OverheadWorkbookBytes(periods []models.OverheadCostPeriod) ([]byte, error) {
	f, err := OverheadWorkbook(periods)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
