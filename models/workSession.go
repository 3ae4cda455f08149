package models

import "time"

// WorkSession is immutable once EndTime is set. Open sessions never count toward effective time.
type WorkSession struct {
	ID        string     `gorm:"primaryKey;size:64" json:"id"`
	TaskId    string     `gorm:"size:64;not null;index" json:"task_id"`
	StartTime time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime   *time.Time `gorm:"index" json:"end_time"`
}

// TimeWindow is a closed [Start, End] range.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Window returns the session span; open sessions collapse to their start instant.
func (s WorkSession) Window() TimeWindow {
	end := s.StartTime
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return TimeWindow{Start: s.StartTime, End: end}
}

func (w TimeWindow) Overlaps(other TimeWindow) bool {
	return !w.Start.After(other.End) && !other.Start.After(w.End)
}
