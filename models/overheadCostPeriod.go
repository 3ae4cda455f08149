package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OverheadAmountSource string

const (
	// amount is the sum of posted overhead accounting entries in the window
	OverheadAmountSourceAccounting OverheadAmountSource = "accounting"
	// amount is entered by hand and never overwritten
	OverheadAmountSourceManual OverheadAmountSource = "manual"
)

// OverheadCostPeriod spreads an overhead amount over the effective production minutes in
// [StartDate, EndDate].
type OverheadCostPeriod struct {
	ID                    string               `gorm:"primaryKey;size:64" json:"id"`
	StartDate             time.Time            `gorm:"not null;index" json:"start_date"`
	EndDate               time.Time            `gorm:"not null;index" json:"end_date"`
	Amount                decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"amount"`
	AmountSource          OverheadAmountSource `gorm:"size:20;not null;default:'accounting'" json:"amount_source"`
	ExcludedTaskIds       StringList           `gorm:"type:text" json:"excluded_task_ids"`
	EffectiveMinutes      decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"effective_minutes"`
	CostPerMinute         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"cost_per_minute"`
	SessionsCount         int                  `gorm:"not null;default:0" json:"sessions_count"`
	MergedPeriodsCount    int                  `gorm:"not null;default:0" json:"merged_periods_count"`
	DuplicatesEliminated  int                  `gorm:"not null;default:0" json:"duplicates_eliminated"`
	ClippedPeriods        int                  `gorm:"not null;default:0" json:"clipped_periods"`
	ExcludedSessionsCount int                  `gorm:"not null;default:0" json:"excluded_sessions_count"`
	RateUpdatedAt         *time.Time           `gorm:"index" json:"rate_updated_at"`
	CreatedAt             time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

func (p OverheadCostPeriod) Window() TimeWindow {
	return TimeWindow{Start: p.StartDate, End: p.EndDate}
}

func (p OverheadCostPeriod) Excludes(taskId string) bool {
	for _, id := range p.ExcludedTaskIds {
		if id == taskId {
			return true
		}
	}
	return false
}

// OverheadRate holds every derived field of an overhead period.
type OverheadRate struct {
	Amount        decimal.Decimal `json:"amount"`
	CostPerMinute decimal.Decimal `json:"cost_per_minute"`
	EffectiveTime EffectiveTime   `json:"effective_time"`
}

func (p OverheadCostPeriod) Rate() OverheadRate {
	return OverheadRate{
		Amount:        p.Amount,
		CostPerMinute: p.CostPerMinute,
		EffectiveTime: EffectiveTime{
			TotalMinutes:          p.EffectiveMinutes,
			SessionsCount:         p.SessionsCount,
			MergedPeriodsCount:    p.MergedPeriodsCount,
			DuplicatesEliminated:  p.DuplicatesEliminated,
			ClippedPeriods:        p.ClippedPeriods,
			ExcludedSessionsCount: p.ExcludedSessionsCount,
		},
	}
}

func (p *OverheadCostPeriod) ApplyRate(r OverheadRate, at time.Time) {
	p.Amount = r.Amount
	p.CostPerMinute = r.CostPerMinute
	p.EffectiveMinutes = r.EffectiveTime.TotalMinutes
	p.SessionsCount = r.EffectiveTime.SessionsCount
	p.MergedPeriodsCount = r.EffectiveTime.MergedPeriodsCount
	p.DuplicatesEliminated = r.EffectiveTime.DuplicatesEliminated
	p.ClippedPeriods = r.EffectiveTime.ClippedPeriods
	p.ExcludedSessionsCount = r.EffectiveTime.ExcludedSessionsCount
	p.RateUpdatedAt = &at
}

// StringList is stored as a JSON array.
type StringList []string

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if len(l) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot convert %T to StringList", value)
	}
	var out []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*l = out
	return nil
}
