package models

import (
	"time"

	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

// Batch is a priced lot of one material traceable to one purchase order line.
// unit_price = base_unit_price + additional_cost_per_unit always holds.
type Batch struct {
	ID                    string          `gorm:"primaryKey;size:64" json:"id"`
	BatchNumber           string          `gorm:"size:64" json:"batch_number"`
	MaterialId            string          `gorm:"size:64;not null;index" json:"material_id"`
	PurchaseOrderId       string          `gorm:"size:64;index" json:"purchase_order_id"`
	PurchaseOrderItemId   string          `gorm:"size:64;index" json:"purchase_order_item_id"`
	UnitPrice             decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	BaseUnitPrice         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"base_unit_price"`
	AdditionalCostPerUnit decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"additional_cost_per_unit"`
	InitialQuantity       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"initial_quantity"`
	Quantity              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	PriceUpdatedAt        *time.Time      `gorm:"index" json:"price_updated_at"`
	CreatedAt             time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BatchPrice holds the fields the batch price stage derives.
type BatchPrice struct {
	BaseUnitPrice         decimal.Decimal `json:"base_unit_price"`
	AdditionalCostPerUnit decimal.Decimal `json:"additional_cost_per_unit"`
	UnitPrice             decimal.Decimal `json:"unit_price"`
}

func NewBatchPrice(base, additionalPerUnit decimal.Decimal) BatchPrice {
	return BatchPrice{
		BaseUnitPrice:         utils.Round4(base),
		AdditionalCostPerUnit: utils.Round4(additionalPerUnit),
		UnitPrice:             utils.Add(base, additionalPerUnit),
	}
}

func (b Batch) Price() BatchPrice {
	return BatchPrice{
		BaseUnitPrice:         b.BaseUnitPrice,
		AdditionalCostPerUnit: b.AdditionalCostPerUnit,
		UnitPrice:             b.UnitPrice,
	}
}

func (b *Batch) ApplyPrice(p BatchPrice, at time.Time) {
	b.BaseUnitPrice = p.BaseUnitPrice
	b.AdditionalCostPerUnit = p.AdditionalCostPerUnit
	b.UnitPrice = p.UnitPrice
	b.PriceUpdatedAt = &at
}
