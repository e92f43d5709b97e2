package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/obentoo/catalogkit/internal/common/logger"
)

// indexFileName is the name of the key index inside a cache directory
const indexFileName = "index.json"

// diskQueueSize bounds the number of pending disk operations. When full,
// further operations are dropped; the next Set of that key rewrites it.
const diskQueueSize = 512

// diskRecord is the JSON structure of one persisted entry
type diskRecord[V any] struct {
	Key       string        `json:"key"`
	Value     V             `json:"value"`
	CreatedAt time.Time     `json:"createdAt"`
	TTL       time.Duration `json:"ttl"`
}

// indexFile is the JSON structure of index.json
type indexFile struct {
	Keys []string `json:"keys"`
}

type diskOp[V any] struct {
	record *diskRecord[V]
	remove string
}

// diskStore persists entries as one file per key. All methods are safe on
// a nil receiver so memory-only caches need no branching.
type diskStore[V any] struct {
	dir    string
	ops    chan diskOp[V]
	loaded chan struct{}
	done   chan struct{}
	log    *logger.Logger

	mu     sync.Mutex
	index  map[string]struct{}
	closed bool
}

// entryFileName returns the file name for a key.
func entryFileName(key string) string {
	return fmt.Sprintf("%016x.json", xxhash.Sum64String(key))
}

func (s *diskStore[V]) start(log *logger.Logger) {
	s.log = log
	s.ops = make(chan diskOp[V], diskQueueSize)
	s.loaded = make(chan struct{})
	s.done = make(chan struct{})
	s.index = make(map[string]struct{})
	go s.writer()
}

func (s *diskStore[V]) write(entry *Entry[V]) {
	if s == nil {
		return
	}
	s.send(diskOp[V]{record: &diskRecord[V]{
		Key:       entry.Key,
		Value:     entry.Value,
		CreatedAt: entry.CreatedAt,
		TTL:       entry.TTL,
	}})
}

func (s *diskStore[V]) remove(key string) {
	if s == nil {
		return
	}
	s.send(diskOp[V]{remove: key})
}

func (s *diskStore[V]) send(op diskOp[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.log.Debug("cache: disk queue full, dropping operation")
	}
}

func (s *diskStore[V]) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
}

// writer applies operations in order. Failures are logged and dropped.
func (s *diskStore[V]) writer() {
	defer close(s.done)

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		s.log.Debug("cache: failed to create directory %s: %v", s.dir, err)
	}

	dirty := false
	for op := range s.ops {
		if op.record != nil {
			if err := s.writeRecord(op.record); err != nil {
				s.log.Debug("cache: failed to persist %s: %v", op.record.Key, err)
			} else {
				dirty = true
			}
		} else {
			if err := os.Remove(filepath.Join(s.dir, entryFileName(op.remove))); err != nil && !os.IsNotExist(err) {
				s.log.Debug("cache: failed to delete %s: %v", op.remove, err)
			}
			s.mu.Lock()
			delete(s.index, op.remove)
			s.mu.Unlock()
			dirty = true
		}

		if dirty && len(s.ops) == 0 {
			if err := s.writeIndex(); err != nil {
				s.log.Debug("cache: failed to write index: %v", err)
			}
			dirty = false
		}
	}
}

func (s *diskStore[V]) writeRecord(rec *diskRecord[V]) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := atomicWrite(filepath.Join(s.dir, entryFileName(rec.Key)), data); err != nil {
		return err
	}
	s.mu.Lock()
	s.index[rec.Key] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *diskStore[V]) writeIndex() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.index))
	for k := range s.index {
		keys = append(keys, k)
	}
	s.mu.Unlock()
	sort.Strings(keys)

	data, err := json.MarshalIndent(indexFile{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal index: %w", err)
	}
	return atomicWrite(filepath.Join(s.dir, indexFileName), data)
}

// load reads the index and every entry it names. A missing or corrupted
// index yields no records; unreadable entries are skipped.
func (s *diskStore[V]) load(log *logger.Logger) []diskRecord[V] {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFileName))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Debug("cache: failed to read index: %v", err)
		}
		return nil
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		log.Debug("cache: ignoring corrupted index in %s: %v", s.dir, err)
		return nil
	}

	records := make([]diskRecord[V], 0, len(idx.Keys))
	for _, key := range idx.Keys {
		raw, err := os.ReadFile(filepath.Join(s.dir, entryFileName(key)))
		if err != nil {
			continue
		}
		var rec diskRecord[V]
		if err := json.Unmarshal(raw, &rec); err != nil || rec.Key != key {
			continue
		}
		records = append(records, rec)

		s.mu.Lock()
		s.index[key] = struct{}{}
		s.mu.Unlock()
	}
	return records
}

// atomicWrite writes to a temp file first, then renames for atomicity
func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
