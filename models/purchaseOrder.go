package models

import (
	"strings"
	"time"

	"github.com/mmdatafocus/costing_backend/utils"
	"github.com/shopspring/decimal"
)

type PurchaseOrderStatus string

const (
	PurchaseOrderStatusDraft     PurchaseOrderStatus = "draft"
	PurchaseOrderStatusOrdered   PurchaseOrderStatus = "ordered"
	PurchaseOrderStatusDelivered PurchaseOrderStatus = "delivered"
	PurchaseOrderStatusCompleted PurchaseOrderStatus = "completed"
	PurchaseOrderStatusCancelled PurchaseOrderStatus = "cancelled"
)

type PurchaseOrder struct {
	ID              string                        `gorm:"primaryKey;size:64" json:"id"`
	Number          string                        `gorm:"size:64;not null" json:"number"`
	Status          PurchaseOrderStatus           `gorm:"size:20;not null;index" json:"status"`
	Currency        string                        `gorm:"size:3" json:"currency"`
	OrderDate       time.Time                     `gorm:"not null" json:"order_date"`
	Items           []PurchaseOrderItem           `gorm:"foreignKey:PurchaseOrderId" json:"items"`
	AdditionalCosts []PurchaseOrderAdditionalCost `gorm:"foreignKey:PurchaseOrderId" json:"additional_costs"`
	CreatedAt       time.Time                     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time                     `gorm:"autoUpdateTime" json:"updated_at"`
}

type PurchaseOrderItem struct {
	ID              string          `gorm:"primaryKey;size:64" json:"id"`
	PurchaseOrderId string          `gorm:"size:64;not null;index" json:"purchase_order_id"`
	MaterialId      string          `gorm:"size:64;not null;index" json:"material_id"`
	Quantity        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	UnitPrice       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	DiscountPercent decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount_percent"`
}

// PurchaseOrderAdditionalCost is a pooled cost (freight, customs) spread over every batch of the order.
type PurchaseOrderAdditionalCost struct {
	ID              string          `gorm:"primaryKey;size:64" json:"id"`
	PurchaseOrderId string          `gorm:"size:64;not null;index" json:"purchase_order_id"`
	Description     string          `gorm:"size:255" json:"description"`
	NetAmount       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"net_amount"`
	VatRate         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"vat_rate"`
}

// NetUnitPrice is the unit price after the line discount.
func (item PurchaseOrderItem) NetUnitPrice() decimal.Decimal {
	discount := utils.Percent(item.UnitPrice, item.DiscountPercent)
	return utils.NonNegative(utils.Sub(item.UnitPrice, discount))
}

func (c PurchaseOrderAdditionalCost) GrossAmount() decimal.Decimal {
	return utils.Add(c.NetAmount, utils.Percent(c.NetAmount, c.VatRate))
}

func (po PurchaseOrder) TotalAdditionalCostsGross() decimal.Decimal {
	total := decimal.Zero
	for _, c := range po.AdditionalCosts {
		total = utils.Add(total, c.GrossAmount())
	}
	return total
}

// IsForeignCurrency reports whether prices need converting into base.
func (po PurchaseOrder) IsForeignCurrency(base string) bool {
	cur := strings.TrimSpace(po.Currency)
	return cur != "" && !strings.EqualFold(cur, base)
}
