package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type AccountingEntryStatus string

const (
	AccountingEntryStatusPosted   AccountingEntryStatus = "posted"
	AccountingEntryStatusReversed AccountingEntryStatus = "reversed"
	AccountingEntryStatusReversal AccountingEntryStatus = "reversal"
)

// AccountingEntry is a posted journal line. A reversal is its own entry pointing at the original
// through ReversesEntryId; the original flips to reversed.
type AccountingEntry struct {
	ID              string                `gorm:"primaryKey;size:64" json:"id"`
	PostingDate     time.Time             `gorm:"not null;index" json:"posting_date"`
	Amount          decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"amount"`
	IsOverhead      bool                  `gorm:"not null;default:false;index" json:"is_overhead"`
	Status          AccountingEntryStatus `gorm:"size:20;not null;index" json:"status"`
	ReversesEntryId *string               `gorm:"size:64;index" json:"reverses_entry_id"`
	CreatedAt       time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// CountsTowardOverhead is true for overhead entries that are still posted. A reversed original
// and its reversal cancel out, so neither counts.
func (e AccountingEntry) CountsTowardOverhead() bool {
	return e.IsOverhead && e.Status == AccountingEntryStatusPosted
}

// MonthWindow returns [first instant of the month, first instant of the next month) in UTC.
func MonthWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
