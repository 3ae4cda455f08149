package models

import "gorm.io/gorm"

// AllModels lists every table in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Material{},
		&PurchaseOrder{}, &PurchaseOrderItem{}, &PurchaseOrderAdditionalCost{},
		&Batch{}, &BatchReservation{}, &PurchaseOrderReservation{}, &ConsumptionRecord{},
		&Task{}, &TaskMaterial{},
		&Order{}, &OrderItem{}, &OrderAdditionalCost{},
		&WorkSession{}, &OverheadCostPeriod{}, &AccountingEntry{},
		&LedgerEvent{}, &IdempotencyKey{},
	}
}

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
