// Package store is the reference Store Engine collaborator: the core
// treats record serialization, buffering, and merge as an external
// interface (serialize_into_store, queue_into_buffer, dequeue_into_store,
// calculate_filter_max_counters per spec); this package is one concrete
// implementation of that interface, backed by the vault's own encrypted
// key/value table and the n1 merge engine's conflict resolution.
package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/n1/n1sync/internal/dao"
	"github.com/n1/n1sync/internal/log"
	"github.com/n1/n1sync/internal/merge"
)

// Engine is the Store Engine interface the Transfer Controller consults at
// stage boundaries: queue before push, dequeue after pull.
type Engine interface {
	// SerializeIntoStore flushes any working-set changes for profile/filter
	// into the serializable store, ahead of computing client_fsic.
	SerializeIntoStore(profile, filter string) error

	// QueueIntoBuffer copies every store record under filter into the
	// Buffer table for transferSessionID, ready for the Chunked Exchanger
	// to page out.
	QueueIntoBuffer(transferSessionID, filter string) error

	// DequeueIntoStore merges every buffered record for transferSessionID
	// into the local store, resolving conflicts against whatever the store
	// already holds for that key.
	DequeueIntoStore(transferSessionID string) error

	// CalculateFilterMaxCounters returns the JSON-encoded forward-seen-
	// index-counter snapshot for filter: the highest counter this store has
	// recorded per instance id.
	CalculateFilterMaxCounters(filter string) (string, error)
}

// Record is the value stored for one model uuid: the vault's key/value
// table doubles as the record-level store this reference Engine serializes
// into and out of.
type Record struct {
	InstanceID string          `json:"instance_id"`
	Counter    uint64          `json:"counter"`
	Partition  string          `json:"partition"`
	Deleted    bool            `json:"deleted"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// LocalEngine is the reference Engine implementation. Its local store is
// the vault's SecureVaultDAO, keyed by model uuid; its buffer is
// internal/dao's Buffer/RecordMaxCounterBuffer tables.
type LocalEngine struct {
	records    *dao.SecureVaultDAO
	buffers    *dao.BufferDAO
	maxCounter *dao.RecordMaxCounterBufferDAO
	instanceID string
	counter    uint64
}

// NewLocalEngine constructs a LocalEngine. instanceID identifies this vault
// as a replica for Lamport-style conflict resolution.
func NewLocalEngine(records *dao.SecureVaultDAO, buffers *dao.BufferDAO, maxCounter *dao.RecordMaxCounterBufferDAO, instanceID string) *LocalEngine {
	return &LocalEngine{
		records:    records,
		buffers:    buffers,
		maxCounter: maxCounter,
		instanceID: instanceID,
	}
}

// SerializeIntoStore is a no-op in this reference Engine: there is no
// separate in-memory working set ahead of the vault's own table, so every
// Put against the store is already serialized. Implementations fronted by
// an ORM-style unit of work would flush it here.
func (e *LocalEngine) SerializeIntoStore(profile, filter string) error {
	log.Debug().Str("profile", profile).Str("filter", filter).
		Msg("store: serialize_into_store is a no-op for the vault-backed engine")
	return nil
}

// QueueIntoBuffer copies every record under filter into the buffer table.
func (e *LocalEngine) QueueIntoBuffer(transferSessionID, filter string) error {
	keys, err := e.records.List()
	if err != nil {
		return fmt.Errorf("failed to list store records for queuing: %w", err)
	}

	for _, key := range keys {
		record, ok, err := e.getRecord(key)
		if err != nil {
			return err
		}
		if !ok || !matchesFilter(record.Partition, filter) {
			continue
		}

		serialized, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to serialize record %s for buffering: %w", key, err)
		}

		if err := e.buffers.Put(&dao.Buffer{
			TransferSessionID: transferSessionID,
			ModelUUID:         key,
			Partition:         record.Partition,
			Serialized:        serialized,
			LastSavedInstance: record.InstanceID,
			LastSavedCounter:  int64(record.Counter),
		}); err != nil {
			return fmt.Errorf("failed to queue record %s into buffer: %w", key, err)
		}

		if err := e.maxCounter.Put(&dao.RecordMaxCounterBuffer{
			TransferSessionID: transferSessionID,
			ModelUUID:         key,
			InstanceID:        record.InstanceID,
			Counter:           int64(record.Counter),
		}); err != nil {
			return fmt.Errorf("failed to record max counter for %s: %w", key, err)
		}
	}

	return nil
}

// DequeueIntoStore merges every buffered record for transferSessionID into
// the local store, resolving conflicts via internal/merge's event graph.
func (e *LocalEngine) DequeueIntoStore(transferSessionID string) error {
	buffered, err := e.buffers.All(transferSessionID)
	if err != nil {
		return fmt.Errorf("failed to load buffered records for dequeue: %w", err)
	}
	if len(buffered) == 0 {
		return nil
	}

	writes := make([]merge.BufferedWrite, 0, len(buffered)*2)
	seen := make(map[string]bool, len(buffered))

	for _, b := range buffered {
		var record Record
		if err := json.Unmarshal(b.Serialized, &record); err != nil {
			return fmt.Errorf("failed to decode buffered record %s: %w", b.ModelUUID, err)
		}

		writes = append(writes, merge.BufferedWrite{
			ModelUUID:  b.ModelUUID,
			InstanceID: record.InstanceID,
			Counter:    record.Counter,
			Serialized: b.Serialized,
			Deleted:    record.Deleted,
		})
		seen[b.ModelUUID] = true
	}

	for key := range seen {
		existing, ok, err := e.getRecord(key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		encoded, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("failed to re-encode existing record %s: %w", key, err)
		}
		writes = append(writes, merge.BufferedWrite{
			ModelUUID:  key,
			InstanceID: existing.InstanceID,
			Counter:    existing.Counter,
			Serialized: encoded,
			Deleted:    existing.Deleted,
		})
	}

	winners, _, err := merge.ResolveBufferedWrites(writes)
	if err != nil {
		return fmt.Errorf("failed to resolve buffered write conflicts: %w", err)
	}

	for key, winner := range winners {
		if err := e.records.Put(key, winner.Serialized); err != nil {
			return fmt.Errorf("failed to apply merged record %s to store: %w", key, err)
		}
	}

	return nil
}

// CalculateFilterMaxCounters returns the JSON-encoded per-instance max
// counter among store records matching filter.
func (e *LocalEngine) CalculateFilterMaxCounters(filter string) (string, error) {
	keys, err := e.records.List()
	if err != nil {
		return "", fmt.Errorf("failed to list store records for fsic calculation: %w", err)
	}

	fsic := make(map[string]uint64)
	for _, key := range keys {
		record, ok, err := e.getRecord(key)
		if err != nil {
			return "", err
		}
		if !ok || !matchesFilter(record.Partition, filter) {
			continue
		}
		if record.Counter > fsic[record.InstanceID] {
			fsic[record.InstanceID] = record.Counter
		}
	}

	encoded, err := json.Marshal(fsic)
	if err != nil {
		return "", fmt.Errorf("failed to encode fsic: %w", err)
	}
	return string(encoded), nil
}

// Put stores a locally-authored record, bumping this instance's counter.
// Exposed for callers (CLI, tests) that author records directly into the
// vault ahead of a push.
func (e *LocalEngine) Put(modelUUID, partition string, data json.RawMessage) error {
	e.counter++
	record := Record{
		InstanceID: e.instanceID,
		Counter:    e.counter,
		Partition:  partition,
		Data:       data,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", modelUUID, err)
	}
	return e.records.Put(modelUUID, encoded)
}

func (e *LocalEngine) getRecord(key string) (Record, bool, error) {
	raw, err := e.records.Get(key)
	if err != nil {
		if err == dao.ErrNotFound {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("failed to read store record %s: %w", key, err)
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return Record{}, false, fmt.Errorf("failed to decode store record %s: %w", key, err)
	}
	return record, true, nil
}

func matchesFilter(partition, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.HasPrefix(partition, filter)
}
