package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/appos-io/appos/pkg/types"
)

var (
	// Bucket names
	bucketInstances        = []byte("process_instances")
	bucketStepLog          = []byte("process_step_log")
	bucketConnectedSystems = []byte("connected_systems")
	bucketBarriers         = []byte("parallel_barriers")
	bucketCronMarks        = []byte("cron_marks")
)

// keySep separates segments of composite keys. Refs and step names are dotted
// identifiers, so a NUL byte never collides.
const keySep = "\x00"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// stepLogRecord wraps a step-log entry with its insertion sequence so history
// reads come back in write order.
type stepLogRecord struct {
	Seq   uint64             `json:"seq"`
	Entry types.StepLogEntry `json:"entry"`
}

// NewBoltStore creates a new BoltDB-backed store at <dataDir>/appos.db
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "appos.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketInstances,
			bucketStepLog,
			bucketConnectedSystems,
			bucketBarriers,
			bucketCronMarks,
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Instance operations

func (s *BoltStore) CreateInstance(inst *types.ProcessInstance) error {
	if !inst.Status.Valid() {
		return fmt.Errorf("invalid instance status %q", inst.Status)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		if b.Get([]byte(inst.InstanceID)) != nil {
			return fmt.Errorf("instance already exists: %s", inst.InstanceID)
		}
		data, err := json.Marshal(inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(inst.InstanceID), data)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.ProcessInstance, error) {
	var inst types.ProcessInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(id))
		if data == nil {
			return &types.NotFoundError{Kind: "instance", Name: id}
		}
		return json.Unmarshal(data, &inst)
	})
	if err != nil {
		return nil, err
	}
	normalizeInstance(&inst)
	return &inst, nil
}

// normalizeInstance replaces nil map fields with empty maps after decode, so
// mutators and callers never write into a nil map. Outputs stays nil until
// completion sets it.
func normalizeInstance(inst *types.ProcessInstance) {
	if inst.Inputs == nil {
		inst.Inputs = types.Document{}
	}
	if inst.Variables == nil {
		inst.Variables = types.Document{}
	}
	if inst.VariableVisibility == nil {
		inst.VariableVisibility = make(map[string]types.Visibility)
	}
}

func (s *BoltStore) UpdateInstance(inst *types.ProcessInstance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putInstance(tx, inst)
	})
}

// putInstance writes an instance inside an open transaction, enforcing
// terminal monotonicity: a terminal status never changes again.
func putInstance(tx *bolt.Tx, inst *types.ProcessInstance) error {
	if !inst.Status.Valid() {
		return fmt.Errorf("invalid instance status %q", inst.Status)
	}
	b := tx.Bucket(bucketInstances)
	existing := b.Get([]byte(inst.InstanceID))
	if existing == nil {
		return &types.NotFoundError{Kind: "instance", Name: inst.InstanceID}
	}
	var current types.ProcessInstance
	if err := json.Unmarshal(existing, &current); err != nil {
		return err
	}
	if current.Status.IsTerminal() && inst.Status != current.Status {
		return ErrTerminalInstance
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return b.Put([]byte(inst.InstanceID), data)
}

func (s *BoltStore) ListInstances(appName string, status types.InstanceStatus) ([]*types.ProcessInstance, error) {
	var instances []*types.ProcessInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.ProcessInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			if appName != "" && inst.AppName != appName {
				return nil
			}
			if status != "" && inst.Status != status {
				return nil
			}
			instances = append(instances, &inst)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(instances, func(i, j int) bool {
		return instances[i].StartedAt.Before(instances[j].StartedAt)
	})
	return instances, nil
}

// Step log operations

func stepLogKey(instanceID, stepName string, attempt int) []byte {
	key := make([]byte, 0, len(instanceID)+len(stepName)+6)
	key = append(key, instanceID...)
	key = append(key, keySep...)
	key = append(key, stepName...)
	key = append(key, keySep...)
	var a [4]byte
	binary.BigEndian.PutUint32(a[:], uint32(attempt))
	return append(key, a[:]...)
}

// putStepLog writes a step-log row inside an open transaction. A row keyed by
// (instance, step, attempt) that already settled is never overwritten, which
// makes redelivered tasks harmless.
func putStepLog(tx *bolt.Tx, entry *types.StepLogEntry) error {
	b := tx.Bucket(bucketStepLog)
	key := stepLogKey(entry.InstanceID, entry.StepName, entry.Attempt)

	rec := stepLogRecord{Entry: *entry}
	if existing := b.Get(key); existing != nil {
		var cur stepLogRecord
		if err := json.Unmarshal(existing, &cur); err != nil {
			return err
		}
		if cur.Entry.Status.Settled() {
			return nil
		}
		rec.Seq = cur.Seq
	} else {
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func (s *BoltStore) PutStepLog(entry *types.StepLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putStepLog(tx, entry)
	})
}

func (s *BoltStore) GetStepHistory(instanceID string) ([]*types.StepLogEntry, error) {
	var records []stepLogRecord
	prefix := []byte(instanceID + keySep)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStepLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec stepLogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	entries := make([]*types.StepLogEntry, len(records))
	for i := range records {
		entries[i] = &records[i].Entry
	}
	return entries, nil
}

// UpdateInstanceWithStepLog commits the step-log row and the instance
// mutation in one transaction.
func (s *BoltStore) UpdateInstanceWithStepLog(inst *types.ProcessInstance, entry *types.StepLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putStepLog(tx, entry); err != nil {
			return err
		}
		return putInstance(tx, inst)
	})
}

// MutateInstance loads the instance inside one transaction, applies fn and
// commits the result together with the optional step-log entry.
func (s *BoltStore) MutateInstance(id string, entry *types.StepLogEntry, fn func(*types.ProcessInstance) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(id))
		if data == nil {
			return &types.NotFoundError{Kind: "instance", Name: id}
		}
		var inst types.ProcessInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			return err
		}
		normalizeInstance(&inst)
		prior := inst.Status
		if err := fn(&inst); err != nil {
			return err
		}
		if prior.IsTerminal() && inst.Status != prior {
			return ErrTerminalInstance
		}
		if entry != nil {
			if err := putStepLog(tx, entry); err != nil {
				return err
			}
		}
		out, err := json.Marshal(&inst)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

// CancelInstance flips the status to cancelled and marks any in-flight step
// rows interrupted, all in one transaction. Returns false when the instance
// was already terminal.
func (s *BoltStore) CancelInstance(id string) (bool, error) {
	cancelled := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstances)
		data := b.Get([]byte(id))
		if data == nil {
			return &types.NotFoundError{Kind: "instance", Name: id}
		}
		var inst types.ProcessInstance
		if err := json.Unmarshal(data, &inst); err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return nil
		}

		now := time.Now().UTC()
		inst.Status = types.InstanceCancelled
		inst.CompletedAt = &now
		updated, err := json.Marshal(&inst)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}

		logs := tx.Bucket(bucketStepLog)
		c := logs.Cursor()
		prefix := []byte(id + keySep)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec stepLogRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.Entry.Status.Settled() {
				continue
			}
			rec.Entry.Status = types.StepInterrupted
			rec.Entry.CompletedAt = &now
			out, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := logs.Put(k, out); err != nil {
				return err
			}
		}

		cancelled = true
		return nil
	})
	return cancelled, err
}

// Connected system operations

func (s *BoltStore) CreateConnectedSystem(sys *types.ConnectedSystem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnectedSystems)
		if b.Get([]byte(sys.Name)) != nil {
			return fmt.Errorf("connected system already exists: %s", sys.Name)
		}
		data, err := json.Marshal(sys)
		if err != nil {
			return err
		}
		return b.Put([]byte(sys.Name), data)
	})
}

func (s *BoltStore) GetConnectedSystem(name string) (*types.ConnectedSystem, error) {
	var sys types.ConnectedSystem
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConnectedSystems).Get([]byte(name))
		if data == nil {
			return &types.NotFoundError{Kind: "connected system", Name: name}
		}
		return json.Unmarshal(data, &sys)
	})
	if err != nil {
		return nil, err
	}
	return &sys, nil
}

func (s *BoltStore) ListConnectedSystems() ([]*types.ConnectedSystem, error) {
	var systems []*types.ConnectedSystem
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConnectedSystems).ForEach(func(k, v []byte) error {
			var sys types.ConnectedSystem
			if err := json.Unmarshal(v, &sys); err != nil {
				return err
			}
			systems = append(systems, &sys)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return systems, nil
}

// mutateConnectedSystem loads, mutates and rewrites one system row
func (s *BoltStore) mutateConnectedSystem(name string, fn func(*types.ConnectedSystem)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnectedSystems)
		data := b.Get([]byte(name))
		if data == nil {
			return &types.NotFoundError{Kind: "connected system", Name: name}
		}
		var sys types.ConnectedSystem
		if err := json.Unmarshal(data, &sys); err != nil {
			return err
		}
		fn(&sys)
		sys.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(&sys)
		if err != nil {
			return err
		}
		return b.Put([]byte(name), out)
	})
}

func (s *BoltStore) SetCredentialCiphertext(name string, ciphertext []byte) error {
	return s.mutateConnectedSystem(name, func(sys *types.ConnectedSystem) {
		sys.CredentialsEncrypted = ciphertext
	})
}

func (s *BoltStore) GetCredentialCiphertext(name string) ([]byte, error) {
	sys, err := s.GetConnectedSystem(name)
	if err != nil {
		return nil, err
	}
	return sys.CredentialsEncrypted, nil
}

// DeleteCredentialCiphertext clears the ciphertext only; the system row stays.
func (s *BoltStore) DeleteCredentialCiphertext(name string) error {
	return s.mutateConnectedSystem(name, func(sys *types.ConnectedSystem) {
		sys.CredentialsEncrypted = nil
	})
}

// HasCredentials is metadata-only; it never decrypts.
func (s *BoltStore) HasCredentials(name string) (bool, error) {
	sys, err := s.GetConnectedSystem(name)
	if err != nil {
		return false, err
	}
	return len(sys.CredentialsEncrypted) > 0, nil
}

func (s *BoltStore) AllCredentialCiphertexts() (map[string][]byte, error) {
	out := make(map[string][]byte)
	systems, err := s.ListConnectedSystems()
	if err != nil {
		return nil, err
	}
	for _, sys := range systems {
		if len(sys.CredentialsEncrypted) > 0 {
			out[sys.Name] = sys.CredentialsEncrypted
		}
	}
	return out, nil
}

// ReplaceAllCredentialCiphertexts swaps every ciphertext in one transaction.
// This is the commit point of a key rotation: either all rows move to the new
// key or none do.
func (s *BoltStore) ReplaceAllCredentialCiphertexts(ciphertexts map[string][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConnectedSystems)
		for name, ct := range ciphertexts {
			data := b.Get([]byte(name))
			if data == nil {
				return &types.NotFoundError{Kind: "connected system", Name: name}
			}
			var sys types.ConnectedSystem
			if err := json.Unmarshal(data, &sys); err != nil {
				return err
			}
			sys.CredentialsEncrypted = ct
			sys.UpdatedAt = time.Now().UTC()
			out, err := json.Marshal(&sys)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(name), out); err != nil {
				return err
			}
		}
		return nil
	})
}

// Barrier operations

func barrierPrefix(instanceID string, parallelIndex int) []byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(parallelIndex))
	return append([]byte(instanceID+keySep), idx[:]...)
}

func barrierKey(instanceID string, parallelIndex, member int) []byte {
	var m [4]byte
	binary.BigEndian.PutUint32(m[:], uint32(member))
	return append(barrierPrefix(instanceID, parallelIndex), m[:]...)
}

// ArriveBarrier records that a parallel member reached the fan-in barrier and
// reports true exactly once, when the last of size distinct members arrives.
// Arrival is keyed per member, so a redelivered task arriving again is a
// no-op and can never release the barrier early.
func (s *BoltStore) ArriveBarrier(instanceID string, parallelIndex, member, size int) (bool, error) {
	done := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBarriers)
		key := barrierKey(instanceID, parallelIndex, member)
		if b.Get(key) != nil {
			return nil
		}
		if err := b.Put(key, []byte{1}); err != nil {
			return err
		}

		prefix := barrierPrefix(instanceID, parallelIndex)
		arrived := 0
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			arrived++
		}
		done = arrived == size
		return nil
	})
	return done, err
}

// Cron mark operations

func cronMarkKey(processRef string, minute time.Time) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(minute.UTC().Truncate(time.Minute).Unix()))
	return append([]byte(processRef+keySep), ts[:]...)
}

// MarkCronFire records a (process, minute) fire and reports whether this call
// was the first to claim it.
func (s *BoltStore) MarkCronFire(processRef string, minute time.Time) (bool, error) {
	first := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCronMarks)
		key := cronMarkKey(processRef, minute)
		if b.Get(key) != nil {
			return nil
		}
		first = true
		return b.Put(key, []byte{1})
	})
	return first, err
}

// PruneCronMarks drops marks older than before. Called periodically by the
// scheduler so the bucket stays small.
func (s *BoltStore) PruneCronMarks(before time.Time) error {
	cutoff := uint64(before.UTC().Truncate(time.Minute).Unix())
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCronMarks)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) < 8 {
				continue
			}
			ts := binary.BigEndian.Uint64(k[len(k)-8:])
			if ts < cutoff {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
