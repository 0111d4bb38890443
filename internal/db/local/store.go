// Package local provides a durable file-backed implementation of db.Store.
// It is the fallback backend used when the shared Redis store is unreachable.
// Every mutation is appended to a per-table JSONL log and fsynced before the
// call returns; state is rebuilt by replaying the logs on open.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/duetware/budgetd/internal/db"
)

var _ db.Store = (*Store)(nil)

// record is a single log entry. Op names mirror the store interface.
type record struct {
	Op     string            `json:"op"`
	Key    string            `json:"key"`
	Fields map[string]string `json:"fields,omitempty"`
	Value  []byte            `json:"value,omitempty"`
	Delta  int64             `json:"delta,omitempty"`
	TTLMs  int64             `json:"ttl_ms,omitempty"`
	NX     bool              `json:"nx,omitempty"`
	TS     time.Time         `json:"ts"`
}

// Store is an append-only local store. One JSONL file per logical table,
// where the table is the key segment following the key prefix
// (budgetd:txn:... appends to txn.jsonl).
type Store struct {
	dir       string
	keyPrefix string

	mu      sync.Mutex
	files   map[string]*os.File
	hashes  map[string]map[string]string
	kv      map[string][]byte
	expires map[string]time.Time
	now     func() time.Time
}

// NewStore opens (or creates) a local store rooted at dir and replays any
// existing logs into memory.
func NewStore(dir, keyPrefix string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fallback dir: %w", err)
	}

	s := &Store{
		dir:       dir,
		keyPrefix: keyPrefix,
		files:     make(map[string]*os.File),
		hashes:    make(map[string]map[string]string),
		kv:        make(map[string][]byte),
		expires:   make(map[string]time.Time),
		now:       time.Now,
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	return s, nil
}

// Ping reports whether the backing directory is still writable.
func (s *Store) Ping(ctx context.Context) error {
	f, err := os.CreateTemp(s.dir, ".ping-*")
	if err != nil {
		return &db.Error{Op: db.OpPing, Err: err}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// Close closes all open log files.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		f.Close()
	}
	s.files = make(map[string]*os.File)
}

// WaitForReady is immediate for a local store; it only checks writability.
func (s *Store) WaitForReady(ctx context.Context, timeout time.Duration) error {
	return s.Ping(ctx)
}

func (s *Store) replay() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read fallback dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.replayFile(filepath.Join(s.dir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) replayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lines [][]byte
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan log %s: %w", path, err)
	}

	for i, raw := range lines {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			// A torn write at the tail from a crash is tolerated.
			if i == len(lines)-1 {
				break
			}
			return fmt.Errorf("corrupt log %s line %d: %w", path, i+1, err)
		}
		s.apply(rec)
	}
	return nil
}

// apply mutates in-memory state. Caller holds the lock (or is replaying
// before the store is shared).
func (s *Store) apply(rec record) {
	switch rec.Op {
	case "hset":
		h, ok := s.hashes[rec.Key]
		if !ok {
			h = make(map[string]string)
			s.hashes[rec.Key] = h
		}
		for k, v := range rec.Fields {
			h[k] = v
		}
	case "set":
		s.kv[rec.Key] = rec.Value
		if rec.TTLMs > 0 {
			s.expires[rec.Key] = rec.TS.Add(time.Duration(rec.TTLMs) * time.Millisecond)
		} else {
			delete(s.expires, rec.Key)
		}
	case "incrby":
		cur := parseInt(s.kv[rec.Key])
		s.kv[rec.Key] = []byte(fmt.Sprintf("%d", cur+rec.Delta))
	case "expire":
		if rec.NX {
			if _, has := s.expires[rec.Key]; has {
				return
			}
		}
		s.expires[rec.Key] = rec.TS.Add(time.Duration(rec.TTLMs) * time.Millisecond)
	case "del":
		delete(s.hashes, rec.Key)
		delete(s.kv, rec.Key)
		delete(s.expires, rec.Key)
	}
}

// append writes the record to the table log for its key and fsyncs.
func (s *Store) append(rec record) error {
	f, err := s.fileFor(rec.Key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func (s *Store) fileFor(key string) (*os.File, error) {
	table := s.tableOf(key)
	if f, ok := s.files[table]; ok {
		return f, nil
	}
	path := filepath.Join(s.dir, table+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	s.files[table] = f
	return f, nil
}

// tableOf maps a key to its log file name: the first segment after the
// configured key prefix, or "kv" when the key does not follow the scheme.
func (s *Store) tableOf(key string) string {
	rest := strings.TrimPrefix(key, s.keyPrefix)
	if s.keyPrefix != "" && rest == key {
		return "kv"
	}
	seg, _, found := strings.Cut(rest, ":")
	if !found || seg == "" {
		return "kv"
	}
	return sanitize(seg)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "kv"
	}
	return b.String()
}

// expired reports whether key has an elapsed TTL. Caller holds the lock.
func (s *Store) expired(key string) bool {
	exp, ok := s.expires[key]
	return ok && s.now().After(exp)
}

func parseInt(b []byte) int64 {
	var n int64
	var neg bool
	for i, c := range b {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}
