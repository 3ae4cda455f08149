package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	PriceSourceNoBatches              = "no-batches"
	PriceSourceBatchesWeightedAverage = "batches-weighted-average"
)

// Task is a production order. The cost fields below materials are owned by the task cost stage.
type Task struct {
	ID                      string               `gorm:"primaryKey;size:64" json:"id"`
	Number                  string               `gorm:"size:64" json:"number"`
	Name                    string               `gorm:"size:255" json:"name"`
	PlannedQuantity         decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"planned_quantity"`
	CompletedQuantity       decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"completed_quantity"`
	ProcessingCostPerUnit   decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"processing_cost_per_unit"`
	Materials               []TaskMaterial       `gorm:"foreignKey:TaskId" json:"materials"`
	TotalMaterialCost       decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_material_cost"`
	TotalFullProductionCost decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"total_full_production_cost"`
	UnitMaterialCost        decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"unit_material_cost"`
	UnitFullProductionCost  decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"unit_full_production_cost"`
	EstimatedMaterialCost   decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"estimated_material_cost"`
	FactoryOverheadCost     decimal.Decimal      `gorm:"type:decimal(20,4);default:0" json:"factory_overhead_cost"`
	EstimatedCostDetails    EstimatedCostDetails `gorm:"type:text" json:"estimated_cost_details"`
	CostsUpdatedAt          *time.Time           `gorm:"index" json:"costs_updated_at"`
	CreatedAt               time.Time            `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time            `gorm:"autoUpdateTime" json:"updated_at"`
}

// TaskMaterial is one material requirement. RequiredQuantity is absolute for the task.
type TaskMaterial struct {
	ID               string          `gorm:"primaryKey;size:64" json:"id"`
	TaskId           string          `gorm:"size:64;not null;index" json:"task_id"`
	MaterialId       string          `gorm:"size:64;not null;index" json:"material_id"`
	RequiredQuantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"required_quantity"`
	IncludeInCosts   *bool           `json:"include_in_costs"`
}

// Included defaults to true when the flag was never set.
func (m TaskMaterial) Included() bool {
	return m.IncludeInCosts == nil || *m.IncludeInCosts
}

// EstimatedCost is the provenance of a cost computed without reservations or consumption.
type EstimatedCost struct {
	MaterialId     string          `json:"material_id"`
	BatchCount     int             `json:"batch_count"`
	PriceSource    string          `json:"price_source"`
	EstimatedPrice decimal.Decimal `json:"estimated_price"`
	Quantity       decimal.Decimal `json:"quantity"`
	EstimatedCost  decimal.Decimal `json:"estimated_cost"`
}

// EstimatedCostDetails is keyed by material id and stored as JSON.
type EstimatedCostDetails map[string]EstimatedCost

// Value implements the driver.Valuer interface
func (d EstimatedCostDetails) Value() (driver.Value, error) {
	if len(d) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface
func (d *EstimatedCostDetails) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*d = EstimatedCostDetails{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot convert %T to EstimatedCostDetails", value)
	}
	out := EstimatedCostDetails{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return err
		}
	}
	*d = out
	return nil
}

// HasNoBatchEstimates reports materials costed at zero because no batch was ever recorded.
func (d EstimatedCostDetails) HasNoBatchEstimates() []string {
	var ids []string
	for id, e := range d {
		if e.PriceSource == PriceSourceNoBatches {
			ids = append(ids, id)
		}
	}
	return ids
}

// TaskCosts holds every derived cost field of a task.
type TaskCosts struct {
	TotalMaterialCost       decimal.Decimal      `json:"total_material_cost"`
	TotalFullProductionCost decimal.Decimal      `json:"total_full_production_cost"`
	UnitMaterialCost        decimal.Decimal      `json:"unit_material_cost"`
	UnitFullProductionCost  decimal.Decimal      `json:"unit_full_production_cost"`
	EstimatedMaterialCost   decimal.Decimal      `json:"estimated_material_cost"`
	FactoryOverheadCost     decimal.Decimal      `json:"factory_overhead_cost"`
	EstimatedCostDetails    EstimatedCostDetails `json:"estimated_cost_details"`
}

func (t Task) Costs() TaskCosts {
	return TaskCosts{
		TotalMaterialCost:       t.TotalMaterialCost,
		TotalFullProductionCost: t.TotalFullProductionCost,
		UnitMaterialCost:        t.UnitMaterialCost,
		UnitFullProductionCost:  t.UnitFullProductionCost,
		EstimatedMaterialCost:   t.EstimatedMaterialCost,
		FactoryOverheadCost:     t.FactoryOverheadCost,
		EstimatedCostDetails:    t.EstimatedCostDetails,
	}
}

func (t *Task) ApplyCosts(c TaskCosts, at time.Time) {
	t.TotalMaterialCost = c.TotalMaterialCost
	t.TotalFullProductionCost = c.TotalFullProductionCost
	t.UnitMaterialCost = c.UnitMaterialCost
	t.UnitFullProductionCost = c.UnitFullProductionCost
	t.EstimatedMaterialCost = c.EstimatedMaterialCost
	t.FactoryOverheadCost = c.FactoryOverheadCost
	t.EstimatedCostDetails = c.EstimatedCostDetails
	t.CostsUpdatedAt = &at
}
