package models

import (
	"sort"
	"time"

	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

// EffectiveTime is the de-duplicated, window-clipped duration of a set of sessions plus the
// diagnostics explaining how it was reached.
type EffectiveTime struct {
	TotalMinutes          decimal.Decimal `json:"total_minutes"`
	SessionsCount         int             `json:"sessions_count"`
	MergedPeriodsCount    int             `json:"merged_periods_count"`
	DuplicatesEliminated  int             `json:"duplicates_eliminated"`
	ClippedPeriods        int             `json:"clipped_periods"`
	ExcludedSessionsCount int             `json:"excluded_sessions_count"`
	InvalidSessionsCount  int             `json:"invalid_sessions_count"`
	Periods               []TimeWindow    `json:"periods,omitempty"`
}

// MergeSessions unions the session intervals and sums the union clipped to
// [rangeStart, rangeEnd]. Sessions of excluded tasks are counted, not merged. Sessions with a
// missing timestamp or start >= end are discarded.
func MergeSessions(sessions []WorkSession, excludedTaskIds []string, rangeStart, rangeEnd time.Time) EffectiveTime {
	excluded := make(map[string]struct{}, len(excludedTaskIds))
	for _, id := range excludedTaskIds {
		excluded[id] = struct{}{}
	}

	var out EffectiveTime
	valid := make([]TimeWindow, 0, len(sessions))
	for _, s := range sessions {
		if _, skip := excluded[s.TaskId]; skip {
			out.ExcludedSessionsCount++
			continue
		}
		if s.StartTime.IsZero() || s.EndTime == nil || s.EndTime.IsZero() || !s.StartTime.Before(*s.EndTime) {
			out.InvalidSessionsCount++
			continue
		}
		valid = append(valid, TimeWindow{Start: s.StartTime, End: *s.EndTime})
	}
	out.SessionsCount = len(valid)

	merged := MergeWindows(valid)
	out.MergedPeriodsCount = len(merged)
	out.DuplicatesEliminated = out.SessionsCount - out.MergedPeriodsCount

	var total time.Duration
	for _, p := range merged {
		start, end := p.Start, p.End
		if start.Before(rangeStart) {
			start = rangeStart
		}
		if end.After(rangeEnd) {
			end = rangeEnd
		}
		if !start.Before(end) {
			continue
		}
		if !start.Equal(p.Start) || !end.Equal(p.End) {
			out.ClippedPeriods++
		}
		total += end.Sub(start)
	}
	out.Periods = merged
	out.TotalMinutes = DurationMinutes(total)
	return out
}

// MergeWindows returns the minimal set of non-overlapping windows covering the input.
// Touching windows (next.Start == current.End) merge.
func MergeWindows(windows []TimeWindow) []TimeWindow {
	if len(windows) == 0 {
		return nil
	}
	sorted := make([]TimeWindow, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].End.Before(sorted[j].End)
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	merged := []TimeWindow{sorted[0]}
	for _, w := range sorted[1:] {
		current := &merged[len(merged)-1]
		if !w.Start.After(current.End) {
			if w.End.After(current.End) {
				current.End = w.End
			}
			continue
		}
		merged = append(merged, w)
	}
	return merged
}

func DurationMinutes(d time.Duration) decimal.Decimal {
	return utils.Div(decimal.NewFromInt(int64(d/time.Second)), decimal.NewFromInt(60))
}

// CostPerMinute is zero when there are no effective minutes.
func CostPerMinute(amount, effectiveMinutes decimal.Decimal) decimal.Decimal {
	return utils.Div(amount, effectiveMinutes)
}

// ComputeOverheadRate derives a period's rate from its amount and the sessions it covers.
func ComputeOverheadRate(period OverheadCostPeriod, amount decimal.Decimal, sessions []WorkSession) OverheadRate {
	et := MergeSessions(sessions, period.ExcludedTaskIds, period.StartDate, period.EndDate)
	et.Periods = nil
	return OverheadRate{
		Amount:        utils.Round4(amount),
		CostPerMinute: CostPerMinute(amount, et.TotalMinutes),
		EffectiveTime: et,
	}
}
