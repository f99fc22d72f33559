package util

import (
	"encoding/json"
	"fmt"
)

// CanonicalJSON serializes data into a stable byte form: object keys are
// emitted in sorted order at every nesting level, so two payloads that
// differ only in key insertion order serialize identically. Values are
// normalized through a JSON round trip first, which strips any Go-type
// differences (e.g. int vs float64) that a plain re-marshal would leak
// into the bytes.
func CanonicalJSON(data map[string]interface{}) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON-representable: %w", err)
	}

	var normalized map[string]interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("couldn't normalize payload: %w", err)
	}

	// encoding/json sorts map keys recursively, which is exactly the
	// canonical ordering the key derivation needs.
	return json.Marshal(normalized)
}

// ComputeResultKey derives the content-addressed identifier of a saved
// result from its calculator type and payload. It is a pure function:
// identical inputs produce the identical key on every process, so a save
// retried from any device converges on the same row.
func ComputeResultKey(calculatorType string, data map[string]interface{}) (string, error) {
	canonical, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	// The newline keeps the type and payload segments from bleeding into
	// each other; canonical JSON never contains a raw newline.
	return InputHash([]byte(calculatorType), []byte("\n"), canonical), nil
}
