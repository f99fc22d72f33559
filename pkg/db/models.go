package db

import (
	"encoding/json"
	"fmt"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
)

// SavedResult is the durable row behind v1.SavedResult. The primary key
// is the (owner_key, id) pair: within one owner at most one row exists
// per content-addressed id, which is what makes Upsert idempotent.
type SavedResult struct {
	OwnerKey       string                 `gorm:"column:owner_key;primaryKey;size:120;index:idx_saved_results_owner_created,priority:1"`
	ID             string                 `gorm:"column:id;primaryKey;size:40"`
	CalculatorType string                 `gorm:"column:calculator_type;size:80"`
	CalculatorName string                 `gorm:"column:calculator_name;size:140"`
	Data           map[string]interface{} `gorm:"-"`
	DataJSON       string                 `gorm:"column:data_json;type:jsonb"`
	CreatedAt      string                 `gorm:"column:created_at;size:24;index:idx_saved_results_owner_created,priority:2"`
}

func (SavedResult) TableName() string { return "saved_results" }

func (r SavedResult) toAPI() (v1.SavedResult, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(r.DataJSON), &data); err != nil {
		return v1.SavedResult{}, fmt.Errorf("couldn't decode stored payload for %s/%s: %w", r.OwnerKey, r.ID, err)
	}
	return v1.SavedResult{
		ID:             r.ID,
		CalculatorType: r.CalculatorType,
		CalculatorName: r.CalculatorName,
		Data:           data,
		CreatedAt:      r.CreatedAt,
	}, nil
}
