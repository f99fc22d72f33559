package v1

import (
	"fmt"
	"time"
)

const (
	// MaxSavedResults is the per-owner collection cap. When a collection
	// grows past it, the oldest entries by CreatedAt are evicted first.
	MaxSavedResults = 30

	MaxCalculatorTypeLength = 80
	MaxCalculatorNameLength = 140

	// MaxDataBytes bounds the serialized size of a result payload.
	MaxDataBytes = 10 * 1024
)

// SavedResult is a single computed result kept in an owner's history.
// The ID is content-addressed: it is a pure function of
// (CalculatorType, Data) and never changes once computed.
type SavedResult struct {
	ID             string                 `json:"id"`
	CalculatorType string                 `json:"calculatorType"`
	CalculatorName string                 `json:"calculatorName"`
	Data           map[string]interface{} `json:"data"`
	CreatedAt      string                 `json:"createdAt"`
}

// SaveRequest is the payload of a save operation. The owner key travels
// alongside it, never inside it.
type SaveRequest struct {
	CalculatorType string                 `json:"calculatorType"`
	CalculatorName string                 `json:"calculatorName"`
	Data           map[string]interface{} `json:"data"`
}

func (r SaveRequest) Validate() error {
	if l := len(r.CalculatorType); l == 0 || l > MaxCalculatorTypeLength {
		return fmt.Errorf("calculatorType must be between 1 and %d characters", MaxCalculatorTypeLength)
	}
	if l := len(r.CalculatorName); l == 0 || l > MaxCalculatorNameLength {
		return fmt.Errorf("calculatorName must be between 1 and %d characters", MaxCalculatorNameLength)
	}
	if r.Data == nil {
		return fmt.Errorf("data is required")
	}
	return nil
}

// Timestamp renders t as the canonical CreatedAt string: UTC, millisecond
// precision, zero-padded. The fixed width makes lexicographic comparison
// agree with chronological order, which the merge relies on.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
