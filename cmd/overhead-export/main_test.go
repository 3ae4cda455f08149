package main

import (
	"testing"
	"time"

	"github.com/mmdatafocus/costing_backend/models"
)

func TestFilterPeriods(t *testing.T) {
	month := func(id string, m time.Month) models.OverheadCostPeriod {
		start := time.Date(2026, m, 1, 0, 0, 0, 0, time.UTC)
		return models.OverheadCostPeriod{ID: id, StartDate: start, EndDate: start.AddDate(0, 1, 0).Add(-time.Second)}
	}
	all := func() []models.OverheadCostPeriod {
		return []models.OverheadCostPeriod{month("p-jan", 1), month("p-feb", 2), month("p-mar", 3)}
	}

	cases := []struct {
		name     string
		from, to string
		want     []string
	}{
		{"no bounds", "", "", []string{"p-jan", "p-feb", "p-mar"}},
		{"from mid february", "2026-02-15", "", []string{"p-feb", "p-mar"}},
		{"to first of february", "", "2026-02-01", []string{"p-jan", "p-feb"}},
		{"single month", "2026-03-01", "2026-03-31", []string{"p-mar"}},
	}
	for _, tc := range cases {
		got, err := filterPeriods(all(), tc.from, tc.to)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %v, got %d periods", tc.name, tc.want, len(got))
		}
		for i, p := range got {
			if p.ID != tc.want[i] {
				t.Fatalf("%s: expected %v, got %s at %d", tc.name, tc.want, p.ID, i)
			}
		}
	}

	if _, err := filterPeriods(all(), "03/01/2026", ""); err == nil {
		t.Fatalf("expected an error for a malformed date")
	}
}
