package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func strPtr(s string) *string {
	return &s
}

func boolPtr(b bool) *bool {
	return &b
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, expected string) {
	t.Helper()
	if !got.Equal(d(expected)) {
		t.Fatalf("%s: expected %s, got %s", name, expected, got.String())
	}
}

func TestEstimateFromBatches_WeightedByInitialQuantity(t *testing.T) {
	est := EstimateFromBatches([]Batch{
		{ID: "b1", UnitPrice: d("10"), InitialQuantity: d("2"), Quantity: d("0")},
		{ID: "b2", UnitPrice: d("20"), InitialQuantity: d("8"), Quantity: d("3")},
		{ID: "b3", UnitPrice: d("0"), InitialQuantity: d("50")},
		{ID: "b4", UnitPrice: d("99"), InitialQuantity: d("0")},
	})
	assertDecimal(t, "estimated price", est.EstimatedPrice, "18")
	if est.BatchCount != 2 {
		t.Fatalf("expected 2 batches counted, got %d", est.BatchCount)
	}
	if est.PriceSource != PriceSourceBatchesWeightedAverage {
		t.Fatalf("unexpected price source %q", est.PriceSource)
	}
}

func TestAllocateMaterialCost_NoBatchesEverRecorded(t *testing.T) {
	line := AllocateMaterialCost(MaterialCostInput{
		Requirement:      TaskMaterial{MaterialId: "m-new", RequiredQuantity: d("5")},
		DefaultUnitPrice: d("42"),
	})
	if line.Estimate == nil {
		t.Fatalf("expected an estimate")
	}
	if line.Estimate.PriceSource != PriceSourceNoBatches {
		t.Fatalf("expected no-batches, got %q", line.Estimate.PriceSource)
	}
	assertDecimal(t, "estimated price", line.Estimate.EstimatedPrice, "0")
	assertDecimal(t, "total", line.Total, "0")

	costs, _ := ComputeTaskCosts(Task{ID: "t1", PlannedQuantity: d("1")}, []MaterialCostInput{{
		Requirement: TaskMaterial{MaterialId: "m-new", RequiredQuantity: d("5")},
	}}, decimal.Zero)
	assertDecimal(t, "material cost", costs.TotalMaterialCost, "0")
	if _, ok := costs.EstimatedCostDetails["m-new"]; !ok {
		t.Fatalf("expected m-new to stay visible in estimated cost details")
	}
}

func TestAllocateMaterialCost_ReservationsAndConsumption(t *testing.T) {
	batches := map[string]Batch{
		"b1": {ID: "b1", UnitPrice: d("5")},
	}
	line := AllocateMaterialCost(MaterialCostInput{
		Requirement:      TaskMaterial{MaterialId: "m1", RequiredQuantity: d("20")},
		DefaultUnitPrice: d("1"),
		Consumptions: []ConsumptionRecord{
			// current batch price wins over the frozen 3
			{ID: "c1", MaterialId: "m1", BatchId: strPtr("b1"), Quantity: d("5"), UnitPrice: d("3")},
		},
		BatchReservations: []BatchReservation{
			{ID: "r1", BatchId: "b1", ReservedQuantity: d("10"), ConvertedQuantity: d("4"), UnitPrice: d("4"), Status: ReservationStatusPending},
			{ID: "r2", BatchId: "b1", ReservedQuantity: d("100"), UnitPrice: d("4"), Status: ReservationStatusCancelled},
		},
		POReservations: []PurchaseOrderReservation{
			{ID: "p1", ReservedQuantity: d("4"), UnitPrice: d("8"), Status: ReservationStatusDelivered},
		},
		Batches: batches,
	})
	assertDecimal(t, "consumed cost", line.ConsumedCost, "25")
	assertDecimal(t, "remaining", line.RemainingQuantity, "15")
	assertDecimal(t, "unit price", line.RemainingUnitPrice, "6.2")
	assertDecimal(t, "total", line.Total, "118")
	if line.Estimate != nil {
		t.Fatalf("reservation branch must not produce an estimate")
	}
}

func TestAllocateMaterialCost_PriceFallbacks(t *testing.T) {
	// batch gone: cached reservation price, then material default
	line := AllocateMaterialCost(MaterialCostInput{
		Requirement:      TaskMaterial{MaterialId: "m1", RequiredQuantity: d("4")},
		DefaultUnitPrice: d("9"),
		BatchReservations: []BatchReservation{
			{ID: "r1", BatchId: "gone", ReservedQuantity: d("2"), UnitPrice: d("3"), Status: ReservationStatusPending},
			{ID: "r2", BatchId: "gone", ReservedQuantity: d("2"), Status: ReservationStatusPending},
		},
		Batches: map[string]Batch{},
	})
	assertDecimal(t, "unit price", line.RemainingUnitPrice, "6")

	// consumption without batch: frozen, then default
	line = AllocateMaterialCost(MaterialCostInput{
		Requirement:      TaskMaterial{MaterialId: "m1", RequiredQuantity: d("2")},
		DefaultUnitPrice: d("9"),
		Consumptions: []ConsumptionRecord{
			{ID: "c1", Quantity: d("1"), UnitPrice: d("2")},
			{ID: "c2", Quantity: d("1")},
		},
	})
	assertDecimal(t, "consumed cost", line.ConsumedCost, "11")
	assertDecimal(t, "remaining", line.RemainingQuantity, "0")
}

func TestAllocateMaterialCost_ZeroWeightFallsBackToDefaultPrice(t *testing.T) {
	line := AllocateMaterialCost(MaterialCostInput{
		Requirement:      TaskMaterial{MaterialId: "m1", RequiredQuantity: d("2")},
		DefaultUnitPrice: d("7"),
		BatchReservations: []BatchReservation{
			{ID: "r1", BatchId: "b1", ReservedQuantity: d("3"), ConvertedQuantity: d("3"), Status: ReservationStatusConverted},
		},
		MaterialBatches: []Batch{{ID: "b1", UnitPrice: d("100"), InitialQuantity: d("3")}},
	})
	if line.Estimate != nil {
		t.Fatalf("zero-weight reservation must not use the batch estimate")
	}
	assertDecimal(t, "total", line.Total, "14")
}

func TestAllocateMaterialCost_FullySatisfiedRequirementSkipsEstimate(t *testing.T) {
	line := AllocateMaterialCost(MaterialCostInput{
		Requirement: TaskMaterial{MaterialId: "m1", RequiredQuantity: d("0")},
	})
	if line.Estimate != nil {
		t.Fatalf("expected no estimate for a satisfied requirement")
	}
	costs, _ := ComputeTaskCosts(Task{ID: "t1"}, []MaterialCostInput{{
		Requirement: TaskMaterial{MaterialId: "m1", RequiredQuantity: d("0")},
	}}, decimal.Zero)
	if len(costs.EstimatedCostDetails) != 0 {
		t.Fatalf("expected no estimated cost details, got %v", costs.EstimatedCostDetails)
	}
}

func TestComputeTaskCosts_ParallelAccumulators(t *testing.T) {
	task := Task{
		ID:                    "t1",
		PlannedQuantity:       d("10"),
		CompletedQuantity:     d("5"),
		ProcessingCostPerUnit: d("2"),
	}
	inputs := []MaterialCostInput{
		{
			Requirement:      TaskMaterial{MaterialId: "m1", RequiredQuantity: d("20")},
			DefaultUnitPrice: d("1"),
			Consumptions: []ConsumptionRecord{
				{ID: "c1", BatchId: strPtr("b1"), Quantity: d("5"), UnitPrice: d("3")},
			},
			BatchReservations: []BatchReservation{
				{ID: "r1", BatchId: "b1", ReservedQuantity: d("10"), ConvertedQuantity: d("4"), Status: ReservationStatusPending},
			},
			POReservations: []PurchaseOrderReservation{
				{ID: "p1", ReservedQuantity: d("4"), UnitPrice: d("8"), Status: ReservationStatusPending},
			},
			Batches: map[string]Batch{"b1": {ID: "b1", UnitPrice: d("5")}},
		},
		{
			Requirement: TaskMaterial{MaterialId: "m2", RequiredQuantity: d("1"), IncludeInCosts: boolPtr(false)},
			MaterialBatches: []Batch{
				{ID: "x1", UnitPrice: d("10"), InitialQuantity: d("2")},
				{ID: "x2", UnitPrice: d("20"), InitialQuantity: d("8")},
			},
		},
	}

	costs, lines := ComputeTaskCosts(task, inputs, d("3"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	assertDecimal(t, "material total", costs.TotalMaterialCost, "128")
	assertDecimal(t, "full total", costs.TotalFullProductionCost, "149")
	assertDecimal(t, "unit material", costs.UnitMaterialCost, "25.6")
	assertDecimal(t, "unit full", costs.UnitFullProductionCost, "29.8")
	assertDecimal(t, "estimated", costs.EstimatedMaterialCost, "18")
	assertDecimal(t, "overhead", costs.FactoryOverheadCost, "3")
	if e := costs.EstimatedCostDetails["m2"]; e.BatchCount != 2 || !e.EstimatedPrice.Equal(d("18")) {
		t.Fatalf("unexpected m2 provenance: %+v", e)
	}
}

func TestComputeTaskCosts_UnitCostUsesPlannedWhenNothingCompleted(t *testing.T) {
	costs, _ := ComputeTaskCosts(Task{ID: "t1", PlannedQuantity: d("4")}, []MaterialCostInput{{
		Requirement:       TaskMaterial{MaterialId: "m1", RequiredQuantity: d("2")},
		POReservations:    []PurchaseOrderReservation{{ID: "p1", ReservedQuantity: d("2"), UnitPrice: d("5"), Status: ReservationStatusPending}},
		BatchReservations: nil,
	}}, decimal.Zero)
	assertDecimal(t, "unit material", costs.UnitMaterialCost, "2.5")

	costs, _ = ComputeTaskCosts(Task{ID: "t2"}, nil, d("10"))
	assertDecimal(t, "unit full with no quantity", costs.UnitFullProductionCost, "0")
}
