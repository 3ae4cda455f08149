package models

import (
	"time"

	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusDelivered ReservationStatus = "delivered"
	ReservationStatusConverted ReservationStatus = "converted"
	ReservationStatusCancelled ReservationStatus = "cancelled"
)

// IsLive reports whether the reservation still claims quantity.
func (s ReservationStatus) IsLive() bool {
	return s == ReservationStatusPending || s == ReservationStatusDelivered
}

// BatchReservation claims quantity on an existing batch. UnitPrice is the price cached at
// reservation time. converted_quantity <= reserved_quantity.
type BatchReservation struct {
	ID                string            `gorm:"primaryKey;size:64" json:"id"`
	TaskId            string            `gorm:"size:64;not null;index" json:"task_id"`
	MaterialId        string            `gorm:"size:64;not null;index" json:"material_id"`
	BatchId           string            `gorm:"size:64;not null;index" json:"batch_id"`
	ReservedQuantity  decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"reserved_quantity"`
	ConvertedQuantity decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"converted_quantity"`
	UnitPrice         decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Status            ReservationStatus `gorm:"size:20;not null;index" json:"status"`
	CreatedAt         time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// PurchaseOrderReservation claims quantity of a batch that has not been delivered yet.
type PurchaseOrderReservation struct {
	ID                  string            `gorm:"primaryKey;size:64" json:"id"`
	TaskId              string            `gorm:"size:64;not null;index" json:"task_id"`
	MaterialId          string            `gorm:"size:64;not null;index" json:"material_id"`
	PurchaseOrderId     string            `gorm:"size:64;not null;index" json:"purchase_order_id"`
	PurchaseOrderItemId string            `gorm:"size:64;index" json:"purchase_order_item_id"`
	ReservedQuantity    decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"reserved_quantity"`
	ConvertedQuantity   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"converted_quantity"`
	UnitPrice           decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Status              ReservationStatus `gorm:"size:20;not null;index" json:"status"`
	CreatedAt           time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// ClaimedQuantity is the part of the reservation not yet consumed.
func (r BatchReservation) ClaimedQuantity() decimal.Decimal {
	return utils.NonNegative(utils.Sub(r.ReservedQuantity, r.ConvertedQuantity))
}

func (r PurchaseOrderReservation) ClaimedQuantity() decimal.Decimal {
	return utils.NonNegative(utils.Sub(r.ReservedQuantity, r.ConvertedQuantity))
}

// ConsumptionRecord is append-only: quantity of a material used by a task, priced at consumption time.
type ConsumptionRecord struct {
	ID         string          `gorm:"primaryKey;size:64" json:"id"`
	TaskId     string          `gorm:"size:64;not null;index" json:"task_id"`
	MaterialId string          `gorm:"size:64;not null;index" json:"material_id"`
	BatchId    *string         `gorm:"size:64;index" json:"batch_id"`
	Quantity   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	ConsumedAt time.Time       `gorm:"not null" json:"consumed_at"`
}
