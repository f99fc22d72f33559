package syncer

import (
	"sort"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
)

// Merge reconciles a local and a remote result list into one bounded
// list. The map is seeded with remote entries first; local entries
// overlay an existing id only when strictly newer by createdAt
// (lexicographic comparison is chronological because the timestamps are
// zero-padded UTC). Entries present on only one side always survive.
// The result is sorted by createdAt descending and truncated to the
// collection cap, so the merge is commutative and idempotent.
func Merge(local, remote []v1.SavedResult) []v1.SavedResult {
	merged := make(map[string]v1.SavedResult, len(local)+len(remote))
	for _, entry := range remote {
		merged[entry.ID] = entry
	}
	for _, entry := range local {
		if current, ok := merged[entry.ID]; !ok || entry.CreatedAt > current.CreatedAt {
			merged[entry.ID] = entry
		}
	}

	out := make([]v1.SavedResult, 0, len(merged))
	for _, entry := range merged {
		out = append(out, entry)
	}
	sortResults(out)

	if len(out) > v1.MaxSavedResults {
		out = out[:v1.MaxSavedResults]
	}
	return out
}

// sortResults orders newest-first, breaking createdAt ties by id so the
// ordering is deterministic.
func sortResults(results []v1.SavedResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt != results[j].CreatedAt {
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].ID < results[j].ID
	})
}
