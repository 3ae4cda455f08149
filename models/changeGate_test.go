package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestChangeGate_StrictlyGreaterThanTolerance(t *testing.T) {
	gate := NewChangeGate(DefaultChangeTolerance)
	old := []decimal.Decimal{d("100")}

	if gate.Changed(old, []decimal.Decimal{d("100.005")}) {
		t.Fatalf("a delta equal to the tolerance must not count as a change")
	}
	if !gate.Changed(old, []decimal.Decimal{d("100.0051")}) {
		t.Fatalf("a delta above the tolerance must count as a change")
	}
	if !gate.Changed(old, []decimal.Decimal{d("99.9949")}) {
		t.Fatalf("negative deltas count by absolute value")
	}
}

func TestChangeGate_TaskComparesEveryPublicField(t *testing.T) {
	gate := NewChangeGate(DefaultChangeTolerance)
	base := TaskCosts{
		TotalMaterialCost:       d("100"),
		TotalFullProductionCost: d("150"),
		UnitMaterialCost:        d("10"),
		UnitFullProductionCost:  d("15"),
	}
	if gate.TaskChanged(base, base) {
		t.Fatalf("identical costs must not change")
	}

	// totals equal, unit values moved because the denominator changed
	moved := base
	moved.UnitMaterialCost = d("20")
	moved.UnitFullProductionCost = d("30")
	if !gate.TaskChanged(base, moved) {
		t.Fatalf("unit-only change must be detected")
	}

	withEstimate := base
	withEstimate.EstimatedCostDetails = EstimatedCostDetails{
		"m1": {MaterialId: "m1", PriceSource: PriceSourceNoBatches},
	}
	if !gate.TaskChanged(base, withEstimate) {
		t.Fatalf("a new zero-valued estimate must be detected")
	}
	if gate.TaskChanged(withEstimate, withEstimate) {
		t.Fatalf("identical estimates must not change")
	}
}

func TestChangeGate_OrderBatchPeriod(t *testing.T) {
	gate := NewChangeGate(DefaultChangeTolerance)

	oldOrder := OrderValues{TotalValue: d("10"), ItemValues: map[string]decimal.Decimal{"i1": d("10")}}
	newOrder := OrderValues{TotalValue: d("10"), ItemValues: map[string]decimal.Decimal{"i1": d("5"), "i2": d("5")}}
	if !gate.OrderChanged(oldOrder, newOrder) {
		t.Fatalf("item level change must be detected even when the total is stable")
	}

	if gate.BatchChanged(NewBatchPrice(d("10"), d("1")), NewBatchPrice(d("10.004"), d("1"))) {
		t.Fatalf("sub-tolerance batch change must be suppressed")
	}

	r := OverheadRate{Amount: d("100"), CostPerMinute: d("1")}
	r2 := r
	r2.EffectiveTime.DuplicatesEliminated = 1
	if !gate.PeriodChanged(r, r2) {
		t.Fatalf("diagnostic change must be detected")
	}
	if gate.RateChanged(r, r2) {
		t.Fatalf("rate must be unchanged")
	}
}

func TestNewChangeGate_ClampsNegativeTolerance(t *testing.T) {
	gate := NewChangeGate(d("-1"))
	if !gate.Tolerance.IsZero() {
		t.Fatalf("expected zero tolerance, got %s", gate.Tolerance)
	}
}
