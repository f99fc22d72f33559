package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
	"github.com/omnicalc/saved-results/pkg/util"
)

// ErrNotConfigured reports that no durable store is wired up at all. It is
// distinct from an empty partition so the HTTP boundary can answer with
// service-unavailable instead of a misleadingly empty success.
var ErrNotConfigured = errors.New("saved-results store is not configured")

// SavedResultsStore is the CRUD contract over the durable store. Every
// operation is scoped by ownerKey and must never observe or mutate
// another owner's rows.
type SavedResultsStore interface {
	// List returns the owner's results sorted by createdAt descending,
	// bounded by limit (the collection cap when limit <= 0).
	List(ctx context.Context, ownerKey string, limit int) ([]v1.SavedResult, error)
	// Upsert computes the content-addressed id of the request and performs
	// an atomic insert-or-update keyed by (ownerKey, id). On conflict the
	// calculator name and payload are refreshed; the row keeps its
	// original id and createdAt. The canonical stored row is returned.
	Upsert(ctx context.Context, ownerKey string, req v1.SaveRequest) (v1.SavedResult, error)
	// Delete removes one row, reporting whether anything was removed.
	Delete(ctx context.Context, ownerKey, id string) (bool, error)
	// Clear removes all of the owner's rows, returning the removed count.
	Clear(ctx context.Context, ownerKey string) (int64, error)

	// PruneExpired removes rows older than the retention window, across
	// all owners. Used by the janitor only.
	PruneExpired(ctx context.Context, retention time.Duration) (int64, error)
	// PruneOverCap removes, per owner, the oldest rows beyond cap. Used by
	// the janitor only.
	PruneOverCap(ctx context.Context, cap int) (int64, error)
}

type savedResultsStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore wraps an open gorm handle in the store contract.
func NewStore(db *gorm.DB) SavedResultsStore {
	return &savedResultsStore{db: db, now: time.Now}
}

// NotConfigured returns a store whose every operation fails with
// ErrNotConfigured. It stands in when the db options are absent, so
// callers degrade to local-cache-only operation instead of crashing.
func NotConfigured() SavedResultsStore {
	return notConfiguredStore{}
}

func (s *savedResultsStore) List(ctx context.Context, ownerKey string, limit int) ([]v1.SavedResult, error) {
	if limit <= 0 {
		limit = v1.MaxSavedResults
	}

	var rows []SavedResult
	if err := s.db.WithContext(ctx).
		Where("owner_key = ?", ownerKey).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("couldn't list saved results: %w", err)
	}

	results := make([]v1.SavedResult, 0, len(rows))
	for _, row := range rows {
		result, err := row.toAPI()
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *savedResultsStore) Upsert(ctx context.Context, ownerKey string, req v1.SaveRequest) (v1.SavedResult, error) {
	if err := req.Validate(); err != nil {
		return v1.SavedResult{}, err
	}

	id, err := util.ComputeResultKey(req.CalculatorType, req.Data)
	if err != nil {
		return v1.SavedResult{}, err
	}

	dataJSON, err := json.Marshal(req.Data)
	if err != nil {
		return v1.SavedResult{}, fmt.Errorf("couldn't encode payload: %w", err)
	}

	row := SavedResult{
		OwnerKey:       ownerKey,
		ID:             id,
		CalculatorType: req.CalculatorType,
		CalculatorName: req.CalculatorName,
		DataJSON:       string(dataJSON),
		CreatedAt:      v1.Timestamp(s.now()),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SavedResult
		err := tx.Where("owner_key = ? AND id = ?", ownerKey, id).First(&existing).Error
		if err == nil {
			// A conflict mainly reflects a retried or duplicate client
			// call: refresh the display name and payload, keep the row's
			// identity and original createdAt.
			existing.CalculatorName = req.CalculatorName
			existing.DataJSON = string(dataJSON)
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			row = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return v1.SavedResult{}, fmt.Errorf("couldn't upsert saved result: %w", err)
	}

	return row.toAPI()
}

func (s *savedResultsStore) Delete(ctx context.Context, ownerKey, id string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("owner_key = ? AND id = ?", ownerKey, id).
		Delete(&SavedResult{})
	if res.Error != nil {
		return false, fmt.Errorf("couldn't delete saved result %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *savedResultsStore) Clear(ctx context.Context, ownerKey string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("owner_key = ?", ownerKey).
		Delete(&SavedResult{})
	if res.Error != nil {
		return 0, fmt.Errorf("couldn't clear saved results: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *savedResultsStore) PruneExpired(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := v1.Timestamp(s.now().Add(-retention))
	res := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&SavedResult{})
	if res.Error != nil {
		return 0, fmt.Errorf("couldn't prune expired saved results: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *savedResultsStore) PruneOverCap(ctx context.Context, cap int) (int64, error) {
	if cap <= 0 {
		cap = v1.MaxSavedResults
	}

	var owners []string
	if err := s.db.WithContext(ctx).
		Model(&SavedResult{}).
		Group("owner_key").
		Having("COUNT(*) > ?", cap).
		Pluck("owner_key", &owners).Error; err != nil {
		return 0, fmt.Errorf("couldn't find over-cap owners: %w", err)
	}

	var pruned int64
	var errs []error
	for _, owner := range owners {
		var ids []string
		if err := s.db.WithContext(ctx).
			Model(&SavedResult{}).
			Where("owner_key = ?", owner).
			Order("created_at DESC").
			Pluck("id", &ids).Error; err != nil {
			errs = append(errs, fmt.Errorf("couldn't list rows for owner %s: %w", owner, err))
			continue
		}
		if len(ids) <= cap {
			continue
		}
		res := s.db.WithContext(ctx).
			Where("owner_key = ? AND id IN ?", owner, ids[cap:]).
			Delete(&SavedResult{})
		if res.Error != nil {
			errs = append(errs, fmt.Errorf("couldn't prune rows for owner %s: %w", owner, res.Error))
			continue
		}
		pruned += res.RowsAffected
	}
	return pruned, errors.Join(errs...)
}

type notConfiguredStore struct{}

func (notConfiguredStore) List(context.Context, string, int) ([]v1.SavedResult, error) {
	return nil, ErrNotConfigured
}

func (notConfiguredStore) Upsert(context.Context, string, v1.SaveRequest) (v1.SavedResult, error) {
	return v1.SavedResult{}, ErrNotConfigured
}

func (notConfiguredStore) Delete(context.Context, string, string) (bool, error) {
	return false, ErrNotConfigured
}

func (notConfiguredStore) Clear(context.Context, string) (int64, error) {
	return 0, ErrNotConfigured
}

func (notConfiguredStore) PruneExpired(context.Context, time.Duration) (int64, error) {
	return 0, ErrNotConfigured
}

func (notConfiguredStore) PruneOverCap(context.Context, int) (int64, error) {
	return 0, ErrNotConfigured
}
