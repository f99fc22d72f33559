// Package syncer reconciles the local cache with the durable store and
// propagates local mutations remotely, best-effort. The local cache is
// the UI's source of truth: no operation here ever blocks on, or fails
// because of, the network.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	v1 "github.com/omnicalc/saved-results/pkg/apis/results/v1"
	"github.com/omnicalc/saved-results/pkg/cache"
	"github.com/omnicalc/saved-results/pkg/db"
	"github.com/omnicalc/saved-results/pkg/identity"
	"github.com/omnicalc/saved-results/pkg/util"
)

const defaultRemoteTimeout = 10 * time.Second

// SaveOutcome reports what a save did. AlreadySaved means the identical
// result was present and nothing was written.
type SaveOutcome struct {
	Result       v1.SavedResult
	AlreadySaved bool
}

type Syncer struct {
	cache  cache.Cache
	store  db.SavedResultsStore
	logger *logrus.Entry

	remoteTimeout time.Duration
	now           func() time.Time

	hydrateGroup singleflight.Group
	hydrated     sync.Map
	ownerLocks   sync.Map
	inflight     sync.WaitGroup
}

// New builds a Syncer. store may be nil to run local-cache-only; a
// not-configured store behaves the same for propagation but lets
// Hydrate surface the condition to the HTTP boundary.
func New(c cache.Cache, store db.SavedResultsStore, logger *logrus.Entry) *Syncer {
	return &Syncer{
		cache:         c,
		store:         store,
		logger:        logger,
		remoteTimeout: defaultRemoteTimeout,
		now:           time.Now,
	}
}

// Hydrate reconciles the owner's cache partition with the remote store
// and returns the merged list. Anonymous owners have no remote
// partition, so their cache is returned as-is. The remote round trip
// runs at most once per owner per process; later calls read the cache.
func (s *Syncer) Hydrate(ctx context.Context, owner identity.Owner) ([]v1.SavedResult, error) {
	if owner.Anonymous || s.store == nil {
		return s.cache.Read(ctx, owner.Key)
	}
	if _, done := s.hydrated.Load(owner.Key); done {
		return s.cache.Read(ctx, owner.Key)
	}

	merged, err, _ := s.hydrateGroup.Do(owner.Key, func() (interface{}, error) {
		return s.hydrate(ctx, owner)
	})
	if err != nil {
		return nil, err
	}
	return merged.([]v1.SavedResult), nil
}

// ownerLock returns the mutex serializing cache mutations for one
// owner. Request handlers share a partition, so every read-modify-write
// below must hold this lock or a racing mutation gets overwritten.
func (s *Syncer) ownerLock(ownerKey string) *sync.Mutex {
	lock, _ := s.ownerLocks.LoadOrStore(ownerKey, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *Syncer) hydrate(ctx context.Context, owner identity.Owner) ([]v1.SavedResult, error) {
	lock := s.ownerLock(owner.Key)
	lock.Lock()
	defer lock.Unlock()

	local, err := s.cache.Read(ctx, owner.Key)
	if err != nil {
		return nil, err
	}

	remote, err := s.store.List(ctx, owner.Key, v1.MaxSavedResults)
	if err != nil {
		return nil, err
	}

	merged := Merge(local, remote)
	if err := s.cache.Write(ctx, owner.Key, merged); err != nil {
		return nil, err
	}
	s.hydrated.Store(owner.Key, struct{}{})

	// Push back the purely-local entries the remote store is missing.
	// Failure here never rolls back the local write.
	remoteIDs := make(map[string]struct{}, len(remote))
	for _, entry := range remote {
		remoteIDs[entry.ID] = struct{}{}
	}
	for _, entry := range merged {
		if _, ok := remoteIDs[entry.ID]; ok {
			continue
		}
		req := v1.SaveRequest{
			CalculatorType: entry.CalculatorType,
			CalculatorName: entry.CalculatorName,
			Data:           entry.Data,
		}
		s.propagate(owner, "upsert", func(ctx context.Context) error {
			_, err := s.store.Upsert(ctx, owner.Key, req)
			return err
		})
	}

	return merged, nil
}

// Save adds a result to the owner's partition. Identical content is a
// no-op: the content-addressed id makes save idempotent. The local
// write happens synchronously; remote propagation is fire-and-forget
// and conditional on the owner having a remote partition.
func (s *Syncer) Save(ctx context.Context, owner identity.Owner, req v1.SaveRequest) (SaveOutcome, error) {
	if err := req.Validate(); err != nil {
		return SaveOutcome{}, err
	}

	id, err := util.ComputeResultKey(req.CalculatorType, req.Data)
	if err != nil {
		return SaveOutcome{}, err
	}

	lock := s.ownerLock(owner.Key)
	lock.Lock()
	defer lock.Unlock()

	list, err := s.cache.Read(ctx, owner.Key)
	if err != nil {
		return SaveOutcome{}, err
	}

	for _, entry := range list {
		if entry.ID == id {
			return SaveOutcome{Result: entry, AlreadySaved: true}, nil
		}
	}

	result := v1.SavedResult{
		ID:             id,
		CalculatorType: req.CalculatorType,
		CalculatorName: req.CalculatorName,
		Data:           req.Data,
		CreatedAt:      v1.Timestamp(s.now()),
	}

	list = append([]v1.SavedResult{result}, list...)
	sortResults(list)
	if len(list) > v1.MaxSavedResults {
		list = list[:v1.MaxSavedResults]
	}

	if err := s.cache.Write(ctx, owner.Key, list); err != nil {
		return SaveOutcome{}, err
	}

	if s.remoteEnabled(owner) {
		s.propagate(owner, "upsert", func(ctx context.Context) error {
			_, err := s.store.Upsert(ctx, owner.Key, req)
			return err
		})
	}

	return SaveOutcome{Result: result}, nil
}

// Remove deletes one entry locally and, best-effort, remotely. It
// reports whether the entry was present in the cache; the remote
// delete goes out either way.
func (s *Syncer) Remove(ctx context.Context, owner identity.Owner, id string) (bool, error) {
	lock := s.ownerLock(owner.Key)
	lock.Lock()
	defer lock.Unlock()

	list, err := s.cache.Read(ctx, owner.Key)
	if err != nil {
		return false, err
	}

	kept := list[:0]
	removed := false
	for _, entry := range list {
		if entry.ID == id {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if !removed {
		// A row saved before a restart can exist remotely while this
		// partition was never hydrated. Send the delete anyway so the
		// remote copy doesn't outlive the request.
		if s.remoteEnabled(owner) {
			s.propagate(owner, "delete", func(ctx context.Context) error {
				_, err := s.store.Delete(ctx, owner.Key, id)
				return err
			})
		}
		return false, nil
	}

	if err := s.cache.Write(ctx, owner.Key, kept); err != nil {
		return false, err
	}

	if s.remoteEnabled(owner) {
		s.propagate(owner, "delete", func(ctx context.Context) error {
			_, err := s.store.Delete(ctx, owner.Key, id)
			return err
		})
	}
	return true, nil
}

// Clear empties the owner's partition, returning how many entries the
// cache held. The remote clear is best-effort.
func (s *Syncer) Clear(ctx context.Context, owner identity.Owner) (int, error) {
	lock := s.ownerLock(owner.Key)
	lock.Lock()
	defer lock.Unlock()

	list, err := s.cache.Read(ctx, owner.Key)
	if err != nil {
		return 0, err
	}

	if err := s.cache.Write(ctx, owner.Key, nil); err != nil {
		return 0, err
	}

	if s.remoteEnabled(owner) {
		s.propagate(owner, "clear", func(ctx context.Context) error {
			_, err := s.store.Clear(ctx, owner.Key)
			return err
		})
	}
	return len(list), nil
}

func (s *Syncer) remoteEnabled(owner identity.Owner) bool {
	return !owner.Anonymous && s.store != nil
}

// propagate detaches a remote call from the request: it runs on its own
// goroutine with its own deadline, and its error goes to the log only.
func (s *Syncer) propagate(owner identity.Owner, op string, fn func(ctx context.Context) error) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.remoteTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{"owner": owner.Key, "op": op}).Warn("best-effort remote propagation failed")
		}
	}()
}

// Flush waits for in-flight remote propagation to finish. Used on
// shutdown so an exiting process doesn't drop queued writes.
func (s *Syncer) Flush() {
	s.inflight.Wait()
}
