// Package cache holds the owner-partitioned local copy of saved results.
// It is a dumb persisted map: callers own capping and ordering. The UI
// reads from here first, so every implementation must stay usable when
// the durable store is down.
package cache

import (
	"context"
	"sync"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
)

// Cache maps an owner key to that owner's result list. Partitions for
// previously used identities are retained rather than deleted, so
// switching identity back and forth does not lose data.
type Cache interface {
	// Read returns the owner's list, empty when the partition is unknown.
	Read(ctx context.Context, ownerKey string) ([]v1.SavedResult, error)
	// Write replaces the owner's full list.
	Write(ctx context.Context, ownerKey string, results []v1.SavedResult) error
}

// Memory is the in-process implementation, used when no redis is
// configured and in tests.
type Memory struct {
	mu         sync.Mutex
	partitions map[string][]v1.SavedResult
}

func NewMemory() *Memory {
	return &Memory{partitions: map[string][]v1.SavedResult{}}
}

func (m *Memory) Read(_ context.Context, ownerKey string) ([]v1.SavedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneResults(m.partitions[ownerKey]), nil
}

func (m *Memory) Write(_ context.Context, ownerKey string, results []v1.SavedResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[ownerKey] = cloneResults(results)
	return nil
}

// cloneResults copies the list including the Data payloads, so callers
// mutating a returned result cannot reach into a retained partition.
func cloneResults(results []v1.SavedResult) []v1.SavedResult {
	if results == nil {
		return nil
	}
	out := make([]v1.SavedResult, len(results))
	for i, result := range results {
		result.Data = cloneData(result.Data)
		out[i] = result
	}
	return out
}

func cloneData(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value interface{}) interface{} {
	switch value := value.(type) {
	case map[string]interface{}:
		return cloneData(value)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, element := range value {
			out[i] = cloneValue(element)
		}
		return out
	default:
		return value
	}
}
