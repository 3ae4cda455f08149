package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID              string                `gorm:"primaryKey;size:64" json:"id"`
	Number          string                `gorm:"size:64" json:"number"`
	ShippingCost    decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"shipping_cost"`
	Items           []OrderItem           `gorm:"foreignKey:OrderId" json:"items"`
	AdditionalCosts []OrderAdditionalCost `gorm:"foreignKey:OrderId" json:"additional_costs"`
	TotalValue      decimal.Decimal       `gorm:"type:decimal(20,4);default:0" json:"total_value"`
	ValuesUpdatedAt *time.Time            `gorm:"index" json:"values_updated_at"`
	CreatedAt       time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time             `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderItem.FromPriceList with a positive Price means production cost is already in Price.
type OrderItem struct {
	ID               string          `gorm:"primaryKey;size:64" json:"id"`
	OrderId          string          `gorm:"size:64;not null;index" json:"order_id"`
	ProductionTaskId *string         `gorm:"size:64;index" json:"production_task_id"`
	Quantity         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	Price            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	FromPriceList    bool            `gorm:"not null;default:false" json:"from_price_list"`
	Value            decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"value"`
}

// OrderAdditionalCost amounts are signed: negative lines are discounts.
type OrderAdditionalCost struct {
	ID          string          `gorm:"primaryKey;size:64" json:"id"`
	OrderId     string          `gorm:"size:64;not null;index" json:"order_id"`
	Description string          `gorm:"size:255" json:"description"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
}

// OrderValues holds the derived values of an order, item values keyed by item id.
type OrderValues struct {
	ItemValues map[string]decimal.Decimal `json:"item_values"`
	TotalValue decimal.Decimal            `json:"total_value"`
}

func (o Order) Values() OrderValues {
	v := OrderValues{ItemValues: make(map[string]decimal.Decimal, len(o.Items)), TotalValue: o.TotalValue}
	for _, item := range o.Items {
		v.ItemValues[item.ID] = item.Value
	}
	return v
}

func (o *Order) ApplyValues(v OrderValues, at time.Time) {
	for i := range o.Items {
		if value, ok := v.ItemValues[o.Items[i].ID]; ok {
			o.Items[i].Value = value
		}
	}
	o.TotalValue = v.TotalValue
	o.ValuesUpdatedAt = &at
}
