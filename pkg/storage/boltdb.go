package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/conductor/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketInstances     = []byte("instances")
	bucketTasks         = []byte("tasks")
	bucketAttempts      = []byte("attempts")
	bucketTenantBudgets = []byte("tenant_budgets")
	bucketBreakerStates = []byte("breaker_states")
	bucketAuditLog      = []byte("audit_log")
)

// BoltStore implements Store using an embedded BoltDB file, one bucket per
// entity, adapted from the bucket-per-entity pattern used throughout this
// corpus's embedded-storage layers.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "conductor.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketTasks,
			bucketAttempts,
			bucketTenantBudgets,
			bucketBreakerStates,
			bucketAuditLog,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Instances

func (s *BoltStore) CreateInstance(i *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(i)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketInstances).Put([]byte(i.ID), data)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	var i types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance not found: %s", id)
		}
		return json.Unmarshal(data, &i)
	})
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	var out []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var i types.Instance
			if err := json.Unmarshal(v, &i); err != nil {
				return err
			}
			out = append(out, &i)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateInstance(i *types.Instance) error {
	return s.CreateInstance(i) // upsert
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

// Tasks

func (s *BoltStore) CreateTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			out = append(out, &t)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateTask(t *types.Task) error {
	return s.CreateTask(t) // upsert
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// TasksByInstance scans all tasks for those currently assigned to
// instanceID. The tasks bucket is keyed by task ID, not instance, so
// this is a full-bucket scan; the bucket is expected to stay small
// relative to BoltDB's page cache since terminal tasks are pruned by
// the reconciliation sweep.
func (s *BoltStore) TasksByInstance(instanceID string) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.AssignedInstanceID == instanceID {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

// TerminalTasksOlderThan returns tasks whose terminal state was reached
// before cutoff.
func (s *BoltStore) TerminalTasksOlderThan(cutoff time.Time) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.State.Terminal() && !t.TerminalAt.IsZero() && t.TerminalAt.Before(cutoff) {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

// Attempts are append-only, keyed by taskID + attempt index.

func attemptKey(taskID string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%04d", taskID, index))
}

func (s *BoltStore) CreateAttempt(a *types.Attempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAttempts).Put(attemptKey(a.TaskID, a.Index), data)
	})
}

func (s *BoltStore) ListAttemptsByTask(taskID string) ([]*types.Attempt, error) {
	var out []*types.Attempt
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAttempts).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var a types.Attempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			out = append(out, &a)
		}
		return nil
	})
	return out, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// TenantBudgets, keyed by tenantID + scope.

func budgetKey(tenantID string, scope types.BudgetScope) []byte {
	return []byte(fmt.Sprintf("%s/%s", tenantID, scope))
}

func (s *BoltStore) UpsertTenantBudget(b *types.TenantBudget) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTenantBudgets).Put(budgetKey(b.TenantID, b.Scope), data)
	})
}

func (s *BoltStore) GetTenantBudget(tenantID string, scope types.BudgetScope) (*types.TenantBudget, error) {
	var b types.TenantBudget
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenantBudgets).Get(budgetKey(tenantID, scope))
		if data == nil {
			return fmt.Errorf("tenant budget not found: %s/%s", tenantID, scope)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *BoltStore) ListTenantBudgets() ([]*types.TenantBudget, error) {
	var out []*types.TenantBudget
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenantBudgets).ForEach(func(k, v []byte) error {
			var b types.TenantBudget
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

// BreakerStates

func (s *BoltStore) UpsertBreakerState(bs *types.BreakerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(bs)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBreakerStates).Put([]byte(bs.Key), data)
	})
}

func (s *BoltStore) GetBreakerState(key string) (*types.BreakerState, error) {
	var bs types.BreakerState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBreakerStates).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("breaker state not found: %s", key)
		}
		return json.Unmarshal(data, &bs)
	})
	if err != nil {
		return nil, err
	}
	return &bs, nil
}

func (s *BoltStore) ListBreakerStates() ([]*types.BreakerState, error) {
	var out []*types.BreakerState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBreakerStates).ForEach(func(k, v []byte) error {
			var bs types.BreakerState
			if err := json.Unmarshal(v, &bs); err != nil {
				return err
			}
			out = append(out, &bs)
			return nil
		})
	})
	return out, err
}

// Audit log, keyed by zero-padded seq for lexicographic = numeric order.

func auditKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}

func (s *BoltStore) AppendAuditEntry(e *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAuditLog).Put(auditKey(e.Seq), data)
	})
}

func (s *BoltStore) ListAuditEntries(entityKind, entityID string) ([]*types.AuditEntry, error) {
	var out []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAuditLog).ForEach(func(k, v []byte) error {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if entityKind != "" && e.EntityKind != entityKind {
				return nil
			}
			if entityID != "" && e.EntityID != entityID {
				return nil
			}
			out = append(out, &e)
			return nil
		})
	})
	return out, err
}
