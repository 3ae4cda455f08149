package workflow

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/mmdatafocus/costing_backend/models"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/sebdah/goldie/v2"
	"github.com/shopspring/decimal"
)

// seedWorkshop builds one purchase order with pooled freight, two tasks sharing an overhead
// month, and an order mixing task, plain and price-list items.
func seedWorkshop(mem *store.Memory) {
	no := false
	mem.PutMaterial(models.Material{ID: "m-steel", Name: "Steel"})
	mem.PutMaterial(models.Material{ID: "m-paint", Name: "Paint", DefaultUnitPrice: dec("5")})
	mem.PutMaterial(models.Material{ID: "m-glue", Name: "Glue"})

	mem.PutPurchaseOrder(models.PurchaseOrder{
		ID: "po-1", Number: "PO-1", Status: models.PurchaseOrderStatusDelivered, Currency: "EUR",
		OrderDate: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC),
		Items: []models.PurchaseOrderItem{
			{ID: "poi-1", PurchaseOrderId: "po-1", MaterialId: "m-steel", Quantity: dec("100"), UnitPrice: dec("12")},
			{ID: "poi-2", PurchaseOrderId: "po-1", MaterialId: "m-paint", Quantity: dec("50"), UnitPrice: dec("4"), DiscountPercent: dec("10")},
		},
		AdditionalCosts: []models.PurchaseOrderAdditionalCost{
			{ID: "pac-1", PurchaseOrderId: "po-1", Description: "Freight", NetAmount: dec("100"), VatRate: dec("20")},
		},
	})
	mem.PutBatch(models.Batch{
		ID: "b-1", BatchNumber: "B-0001", MaterialId: "m-steel", PurchaseOrderId: "po-1", PurchaseOrderItemId: "poi-1",
		InitialQuantity: dec("100"), Quantity: dec("90"),
	})
	mem.PutBatch(models.Batch{
		ID: "b-2", BatchNumber: "B-0002", MaterialId: "m-paint", PurchaseOrderId: "po-1", PurchaseOrderItemId: "poi-2",
		InitialQuantity: dec("50"), Quantity: dec("50"),
	})

	mem.PutTask(models.Task{
		ID: "t-1", Number: "T-1", PlannedQuantity: dec("10"), CompletedQuantity: dec("5"), ProcessingCostPerUnit: dec("2"),
		Materials: []models.TaskMaterial{
			{ID: "tm-1", TaskId: "t-1", MaterialId: "m-steel", RequiredQuantity: dec("50")},
			{ID: "tm-2", TaskId: "t-1", MaterialId: "m-paint", RequiredQuantity: dec("20"), IncludeInCosts: &no},
			{ID: "tm-3", TaskId: "t-1", MaterialId: "m-glue", RequiredQuantity: dec("3")},
		},
	})
	mem.PutTask(models.Task{ID: "t-2", Number: "T-2", PlannedQuantity: dec("4")})

	mem.PutBatchReservation(models.BatchReservation{
		ID: "r-1", TaskId: "t-1", MaterialId: "m-steel", BatchId: "b-1",
		ReservedQuantity: dec("40"), ConvertedQuantity: dec("10"), UnitPrice: dec("9"), Status: models.ReservationStatusPending,
	})
	mem.PutConsumption(models.ConsumptionRecord{
		ID: "c-1", TaskId: "t-1", MaterialId: "m-steel", BatchId: strPtr("b-1"),
		Quantity: dec("10"), UnitPrice: dec("9"), ConsumedAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	mem.PutPOReservation(models.PurchaseOrderReservation{
		ID: "pr-1", TaskId: "t-1", MaterialId: "m-paint", PurchaseOrderId: "po-1", PurchaseOrderItemId: "poi-2",
		ReservedQuantity: dec("20"), UnitPrice: dec("4.5"), Status: models.ReservationStatusPending,
	})

	mem.PutWorkSession(models.WorkSession{ID: "s-1", TaskId: "t-1", StartTime: at(2, 8), EndTime: timePtr(at(2, 10))})
	mem.PutWorkSession(models.WorkSession{ID: "s-2", TaskId: "t-2", StartTime: at(2, 9), EndTime: timePtr(at(2, 11))})
	mem.PutOverheadPeriod(models.OverheadCostPeriod{
		ID: "p-mar", StartDate: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 3, 31, 23, 59, 59, 0, time.UTC),
		Amount: dec("1200"), AmountSource: models.OverheadAmountSourceManual,
	})

	mem.PutOrder(models.Order{
		ID: "o-1", Number: "SO-1", ShippingCost: dec("25"),
		Items: []models.OrderItem{
			{ID: "oi-1", OrderId: "o-1", ProductionTaskId: strPtr("t-1"), Quantity: dec("2")},
			{ID: "oi-2", OrderId: "o-1", Quantity: dec("3"), Price: dec("15")},
			{ID: "oi-3", OrderId: "o-1", ProductionTaskId: strPtr("t-2"), Quantity: dec("1"), Price: dec("1000"), FromPriceList: true},
		},
		AdditionalCosts: []models.OrderAdditionalCost{
			{ID: "oac-1", OrderId: "o-1", Description: "Packaging", Amount: dec("10")},
			{ID: "oac-2", OrderId: "o-1", Description: "Loyalty discount", Amount: dec("-5")},
		},
	})
}

func fixed(d decimal.Decimal) string {
	return d.StringFixed(4)
}

// cascadeReport renders the derived fields of every seeded document in a stable order.
func cascadeReport(t *testing.T, mem *store.Memory) []byte {
	t.Helper()
	ctx := context.Background()
	var buf bytes.Buffer

	batches, err := mem.BatchesByIDs(ctx, []string{"b-1", "b-2"})
	if err != nil {
		t.Fatalf("BatchesByIDs error: %v", err)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].ID < batches[j].ID })
	for _, b := range batches {
		fmt.Fprintf(&buf, "batch %s base=%s additional=%s unit=%s\n",
			b.ID, fixed(b.BaseUnitPrice), fixed(b.AdditionalCostPerUnit), fixed(b.UnitPrice))
	}

	p := getPeriod(t, mem, "p-mar")
	fmt.Fprintf(&buf, "period %s amount=%s minutes=%s cost_per_minute=%s sessions=%d merged=%d duplicates=%d clipped=%d excluded=%d\n",
		p.ID, fixed(p.Amount), fixed(p.EffectiveMinutes), fixed(p.CostPerMinute),
		p.SessionsCount, p.MergedPeriodsCount, p.DuplicatesEliminated, p.ClippedPeriods, p.ExcludedSessionsCount)

	for _, id := range []string{"t-1", "t-2"} {
		task := getTask(t, mem, id)
		fmt.Fprintf(&buf, "task %s material=%s full=%s unit_material=%s unit_full=%s estimated=%s overhead=%s\n",
			task.ID, fixed(task.TotalMaterialCost), fixed(task.TotalFullProductionCost),
			fixed(task.UnitMaterialCost), fixed(task.UnitFullProductionCost),
			fixed(task.EstimatedMaterialCost), fixed(task.FactoryOverheadCost))
		materials := make([]string, 0, len(task.EstimatedCostDetails))
		for materialId := range task.EstimatedCostDetails {
			materials = append(materials, materialId)
		}
		sort.Strings(materials)
		for _, materialId := range materials {
			est := task.EstimatedCostDetails[materialId]
			fmt.Fprintf(&buf, "task %s estimate %s source=%s batches=%d price=%s quantity=%s cost=%s\n",
				task.ID, materialId, est.PriceSource, est.BatchCount,
				fixed(est.EstimatedPrice), fixed(est.Quantity), fixed(est.EstimatedCost))
		}
	}

	orders, err := mem.OrdersByTaskIDs(ctx, []string{"t-1"})
	if err != nil || len(orders) == 0 {
		t.Fatalf("OrdersByTaskIDs: %d orders, err %v", len(orders), err)
	}
	o := orders[0]
	fmt.Fprintf(&buf, "order %s total=%s\n", o.ID, fixed(o.TotalValue))
	items := append([]models.OrderItem(nil), o.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	for _, item := range items {
		fmt.Fprintf(&buf, "order %s item %s value=%s\n", o.ID, item.ID, fixed(item.Value))
	}
	return buf.Bytes()
}

func TestCascadeGolden_PurchaseOrderAndSessionsReachTheOrder(t *testing.T) {
	e, mem, notifier := newTestEngine(t)
	seedWorkshop(mem)

	ctx := context.Background()
	appendEvent(t, mem, models.LedgerEventPurchaseOrderUpdate, models.PurchaseOrderUpdatePayload{PurchaseOrderIds: []string{"po-1"}})
	appendEvent(t, mem, models.LedgerEventWorkSessionUpdate, models.WorkSessionUpdatePayload{SessionIds: []string{"s-1", "s-2"}})

	if _, err := e.RunToQuiescence(ctx, 10); err != nil {
		t.Fatalf("RunToQuiescence error: %v", err)
	}
	for _, eventType := range models.AllLedgerEventTypes {
		for _, event := range mem.Events(eventType) {
			if !event.Processed {
				t.Fatalf("expected every ledger event processed, %s (%s) is not", event.ID, event.Type)
			}
		}
	}

	// glue has no batch history anywhere
	var glueAlerts int
	for _, alert := range notifier.Alerts() {
		if alert.Metadata["task_id"] == "t-1" && alert.Metadata["materials"] == "m-glue" {
			glueAlerts++
		}
	}
	if glueAlerts != 1 {
		t.Fatalf("expected one no-batch alert for t-1, got %d", glueAlerts)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "cascade_report", cascadeReport(t, mem))

	// a manual rerun over settled documents writes nothing
	commits := mem.Commits()
	if _, err := e.RecalculatePurchaseOrders(ctx, []string{"po-1"}, nil); err != nil {
		t.Fatalf("RecalculatePurchaseOrders error: %v", err)
	}
	if _, err := e.RecalculateTasks(ctx, []string{"t-1", "t-2"}, nil); err != nil {
		t.Fatalf("RecalculateTasks error: %v", err)
	}
	if _, err := e.RecalculateAllPeriods(ctx); err != nil {
		t.Fatalf("RecalculateAllPeriods error: %v", err)
	}
	if got := mem.Commits(); got != commits {
		t.Fatalf("expected no commits on a settled rerun, got %d new", got-commits)
	}
	g.Assert(t, "cascade_report", cascadeReport(t, mem))
}
