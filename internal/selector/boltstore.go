package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"awg-proxy-selector/internal/core"
)

var (
	bucketProfiles    = []byte("profiles")
	bucketMetrics     = []byte("metrics")
	bucketAffiliation = []byte("affiliation")
)

// BoltStore backs ProfileStore, MetricsStore and AffiliationStore with a
// single bbolt database file, the same single-file-durable-write-through
// shape core.ConfigManager uses for its own YAML document, generalized to
// three buckets (JSON-encoded profiles and metrics, raw-string affiliation
// values). Safe for concurrent use; bbolt itself serializes writers, and the
// mutex here additionally serializes SaveMetrics calls.
type BoltStore struct {
	mu sync.Mutex
	db *bbolt.DB
}

// OpenBoltStore opens (creating if absent) the database at path and ensures
// every bucket this store needs exists.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db %q: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProfiles, bucketMetrics, bucketAffiliation} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets %q: %w", path, err)
	}

	core.Log.Infof("BoltStore", "opened %s", path)
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Lookup implements ProfileStore.
func (s *BoltStore) Lookup(ctx context.Context, id string) (EndpointProfile, bool, error) {
	var profile EndpointProfile
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketProfiles).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &profile)
	})
	if err != nil {
		return EndpointProfile{}, false, fmt.Errorf("lookup profile %q: %w", id, err)
	}
	return profile, found, nil
}

// Write implements ProfileStore. An empty id is assigned a fresh UUID, the
// only case where the returned identifier differs from the one passed in;
// a non-empty id is always preserved as-is.
func (s *BoltStore) Write(ctx context.Context, id string, profile EndpointProfile) (string, error) {
	if id == "" {
		id = uuid.NewString()
		profile.ID = id
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return "", fmt.Errorf("marshal profile %q: %w", id, err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProfiles).Put([]byte(id), raw)
	})
	if err != nil {
		return "", fmt.Errorf("write profile %q: %w", id, err)
	}
	return id, nil
}

// LoadMetrics implements MetricsStore.
func (s *BoltStore) LoadMetrics(ctx context.Context, id string) (HistoricalMetrics, bool, error) {
	var metrics HistoricalMetrics
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketMetrics).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &metrics)
	})
	if err != nil {
		return HistoricalMetrics{}, false, fmt.Errorf("load metrics %q: %w", id, err)
	}
	return metrics, found, nil
}

// SaveMetrics implements MetricsStore. The whole record is replaced in one
// bbolt transaction, satisfying the all-or-nothing requirement on the six
// fields without a separate read step.
func (s *BoltStore) SaveMetrics(ctx context.Context, id string, metrics HistoricalMetrics) error {
	raw, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics %q: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetrics).Put([]byte(id), raw)
	})
	if err != nil {
		return fmt.Errorf("save metrics %q: %w", id, err)
	}
	return nil
}

// GetAffiliation implements AffiliationStore.
func (s *BoltStore) GetAffiliation(ctx context.Context, id string) (string, bool, error) {
	var value string
	var found bool

	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketAffiliation).Get([]byte(id))
		if raw == nil {
			return nil
		}
		found = true
		value = string(raw)
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get affiliation %q: %w", id, err)
	}
	return value, found, nil
}

// SetAffiliation implements AffiliationStore.
func (s *BoltStore) SetAffiliation(ctx context.Context, id, value string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAffiliation).Put([]byte(id), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("set affiliation %q: %w", id, err)
	}
	return nil
}
