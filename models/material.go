package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Material struct {
	ID               string          `gorm:"primaryKey;size:64" json:"id"`
	Name             string          `gorm:"size:255;not null" json:"name"`
	Unit             string          `gorm:"size:32" json:"unit"`
	DefaultUnitPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"default_unit_price"`
	CreatedAt        time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
