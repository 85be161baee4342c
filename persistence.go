package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store provides durable storage for the Registry's periodic snapshot and
// the Scheduler's persisted Job schedules using BoltDB — chosen, like the
// teacher's WorkflowStore, over an external database for easy single-binary
// deployment (pure Go, no C dependencies).
type Store struct {
	db *bbolt.DB
	mu sync.RWMutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Bucket names for the two concerns this daemon persists: a periodic
// Registry snapshot, and Scheduler-persisted schedules.
var (
	bucketRegistry  = []byte("registry_snapshot")
	bucketSchedules = []byte("schedules")
)

// NewStore opens (or creates) the BoltDB file at dbPath/taskmaster.db.
func NewStore(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(dbPath+"/taskmaster.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketRegistry, bucketSchedules} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("taskmaster_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("taskmaster_store_write_ms")

	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close gracefully closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SnapshotRegistry persists every WorkItem keyed by id, overwriting the
// bucket contents wholesale rather than diffing — Registry.Snapshot is
// already a full deep copy, and the snapshot cadence is coarse enough that
// a full rewrite is cheap at expected Registry sizes.
func (s *Store) SnapshotRegistry(ctx context.Context, items []WorkItem) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "snapshot_registry")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRegistry)
		if err := bucket.ForEach(func(k, _ []byte) error {
			return nil
		}); err != nil {
			return err
		}
		// Clear and rewrite rather than diff: simpler, and cheap at expected
		// Registry sizes given the snapshot interval.
		if err := tx.DeleteBucket(bucketRegistry); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(bucketRegistry)
		if err != nil {
			return err
		}
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("marshal work item %s: %w", item.ID, err)
			}
			if err := bucket.Put([]byte(item.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRegistrySnapshot reads back every persisted WorkItem, resetting any
// item found in_progress to pending — no in-flight worker state survives a
// restart, so those items must re-enter dispatch from scratch.
func (s *Store) LoadRegistrySnapshot(ctx context.Context) ([]WorkItem, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", "load_registry_snapshot")))
	}()

	var items []WorkItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRegistry)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var item WorkItem
			if err := json.Unmarshal(v, &item); err != nil {
				return nil // skip corrupt entries rather than fail the whole load
			}
			if item.Status == StatusInProgress {
				item.Status = StatusPending
				item.AssignedAgent = ""
				item.AssignedAt = nil
			}
			items = append(items, item)
			return nil
		})
	})
	return items, err
}

// PutSchedule persists a Job-plane ScheduleConfig keyed by name.
func (s *Store) PutSchedule(ctx context.Context, config *ScheduleConfig) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(config.Name), data)
	})
}

// DeleteSchedule removes a persisted schedule by name.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Delete([]byte(name))
	})
}

// ListSchedules returns every persisted ScheduleConfig.
func (s *Store) ListSchedules(ctx context.Context) ([]*ScheduleConfig, error) {
	var schedules []*ScheduleConfig
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketSchedules)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var config ScheduleConfig
			if err := json.Unmarshal(v, &config); err != nil {
				return nil
			}
			schedules = append(schedules, &config)
			return nil
		})
	})
	return schedules, err
}

// Stats returns basic size counters for the store's buckets.
func (s *Store) Stats() map[string]any {
	stats := make(map[string]any)
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, bucketName := range [][]byte{bucketRegistry, bucketSchedules} {
			if bucket := tx.Bucket(bucketName); bucket != nil {
				stats[string(bucketName)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}
