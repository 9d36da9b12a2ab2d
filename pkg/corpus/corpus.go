// Package corpus persists fuzz failures and the ledger state they were found
// in, so findings survive the run and can be inspected or replayed later.
package corpus

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/fortiblox/ledgerfuzz/pkg/fuzz"
)

var (
	// ErrNotFound is returned when a failure doesn't exist.
	ErrNotFound = errors.New("failure not found")

	// ErrClosed is returned when operating on a closed corpus.
	ErrClosed = errors.New("corpus closed")
)

// Bucket names.
var (
	// bucketFailures stores gob-encoded failures keyed by id.
	bucketFailures = []byte("failures")

	// bucketDumps stores compressed ledger dumps keyed by failure id.
	bucketDumps = []byte("dumps")

	// bucketIndex orders summaries by suite and time.
	bucketIndex = []byte("index")

	bucketMetadata = []byte("metadata")
)

var keyCount = []byte("count")

// Config holds corpus configuration options.
type Config struct {
	// Path is the database file.
	Path string

	// NoSync disables fsync after each write.
	NoSync bool

	// ReadOnly opens the database in read-only mode.
	ReadOnly bool

	// Retain is the number of newest failures kept per suite by Prune.
	// Zero keeps everything.
	Retain int

	Logger *zap.Logger
}

// DefaultConfig returns the default corpus configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:   path,
		Retain: 1000,
		Logger: zap.NewNop(),
	}
}

// Summary is the indexed view of a failure.
type Summary struct {
	ID      string
	Suite   string
	Kind    fuzz.Kind
	Seed    uint64
	Flow    string
	Step    string
	Message string
	Time    time.Time
}

// Stats contains corpus statistics.
type Stats struct {
	Failures     uint64
	DatabaseSize int64
}

// Corpus is a bbolt-backed failure store. It implements fuzz.Recorder.
type Corpus struct {
	db     *bolt.DB
	config Config
	logger *zap.Logger

	mu     sync.RWMutex
	count  uint64
	closed bool
}

var _ fuzz.Recorder = (*Corpus)(nil)

// Open creates or opens a corpus.
func Open(config Config) (*Corpus, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(config.Path, 0o600, &bolt.Options{
		Timeout:  5 * time.Second,
		NoSync:   config.NoSync,
		ReadOnly: config.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	c := &Corpus{db: db, config: config, logger: config.Logger}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	if !config.ReadOnly {
		if err := c.initBuckets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("init buckets: %w", err)
		}
	}
	if err := c.loadCount(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return c, nil
}

func (c *Corpus) initBuckets() error {
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketFailures, bucketDumps, bucketIndex, bucketMetadata} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (c *Corpus) loadCount() error {
	return c.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMetadata)
		if meta == nil {
			return nil
		}
		if v := meta.Get(keyCount); len(v) == 8 {
			c.count = binary.BigEndian.Uint64(v)
		}
		return nil
	})
}

func (c *Corpus) checkOpen() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// indexKey sorts by suite, then time, then id.
func indexKey(suite string, t time.Time, id string) []byte {
	k := make([]byte, 0, len(suite)+1+8+len(id))
	k = append(k, suite...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, uint64(t.UnixNano()))
	return append(k, id...)
}

func suitePrefix(suite string) []byte {
	if suite == "" {
		return nil
	}
	return append([]byte(suite), 0)
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Record stores f with its ledger dump. Recording an id twice replaces the
// earlier entry.
func (c *Corpus) Record(ctx context.Context, f *fuzz.Failure, dump []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.checkOpen(); err != nil {
		return err
	}
	if f.ID == "" {
		return errors.New("failure has no id")
	}

	data, err := encode(f)
	if err != nil {
		return fmt.Errorf("encode failure: %w", err)
	}
	sum, err := encode(summarize(f))
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	added := false
	err = c.db.Update(func(tx *bolt.Tx) error {
		failures := tx.Bucket(bucketFailures)
		if old := failures.Get([]byte(f.ID)); old != nil {
			var prev fuzz.Failure
			if err := gob.NewDecoder(bytes.NewReader(old)).Decode(&prev); err != nil {
				return fmt.Errorf("decode previous failure: %w", err)
			}
			if err := tx.Bucket(bucketIndex).Delete(indexKey(prev.Suite, prev.Time, prev.ID)); err != nil {
				return err
			}
		} else {
			added = true
		}

		if err := failures.Put([]byte(f.ID), data); err != nil {
			return err
		}
		dumps := tx.Bucket(bucketDumps)
		if len(dump) > 0 {
			if err := dumps.Put([]byte(f.ID), dump); err != nil {
				return err
			}
		} else if err := dumps.Delete([]byte(f.ID)); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put(indexKey(f.Suite, f.Time, f.ID), sum)
	})
	if err != nil {
		return err
	}

	if added {
		c.mu.Lock()
		c.count++
		c.mu.Unlock()
	}
	c.logger.Debug("failure recorded", zap.String("id", f.ID), zap.String("suite", f.Suite), zap.Int("dump_bytes", len(dump)))

	if c.config.Retain > 0 {
		if _, err := c.Prune(f.Suite, c.config.Retain); err != nil {
			c.logger.Warn("corpus prune failed", zap.String("suite", f.Suite), zap.Error(err))
		}
	}
	return nil
}

func summarize(f *fuzz.Failure) Summary {
	return Summary{
		ID:      f.ID,
		Suite:   f.Suite,
		Kind:    f.Kind,
		Seed:    f.Seed,
		Flow:    f.Flow,
		Step:    f.Step,
		Message: f.Message,
		Time:    f.Time,
	}
}

// Get retrieves a failure by id.
func (c *Corpus) Get(id string) (*fuzz.Failure, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var f fuzz.Failure
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFailures).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return gob.NewDecoder(bytes.NewReader(data)).Decode(&f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// Dump returns the ledger dump stored with a failure, or nil if none was
// recorded.
func (c *Corpus) Dump(id string) ([]byte, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketFailures).Get([]byte(id)) == nil {
			return ErrNotFound
		}
		if d := tx.Bucket(bucketDumps).Get([]byte(id)); d != nil {
			out = bytes.Clone(d)
		}
		return nil
	})
	return out, err
}

// List returns summaries ordered oldest first. An empty suite lists all
// suites.
func (c *Corpus) List(suite string) ([]Summary, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	var out []Summary
	prefix := suitePrefix(suite)
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketIndex).Cursor()
		for k, v := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cur.Next() {
			var s Summary
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&s); err != nil {
				return fmt.Errorf("decode summary: %w", err)
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if suite == "" {
		// Keys group by suite first; reorder by time across suites.
		slices.SortStableFunc(out, func(a, b Summary) int { return a.Time.Compare(b.Time) })
	}
	return out, nil
}

// Delete removes a failure and its dump. Deleting a missing id is a no-op.
func (c *Corpus) Delete(id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	f, err := c.Get(id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	err = c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketFailures).Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDumps).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Delete(indexKey(f.Suite, f.Time, f.ID))
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.count--
	c.mu.Unlock()
	return nil
}

// Prune keeps the newest keep failures of suite and deletes the rest.
// Returns the number of failures removed.
func (c *Corpus) Prune(suite string, keep int) (int, error) {
	list, err := c.List(suite)
	if err != nil {
		return 0, err
	}
	if len(list) <= keep {
		return 0, nil
	}

	var pruned int
	for _, s := range list[:len(list)-keep] {
		if err := c.Delete(s.ID); err != nil {
			return pruned, fmt.Errorf("delete %s: %w", s.ID, err)
		}
		pruned++
	}
	return pruned, nil
}

// Stats returns corpus statistics.
func (c *Corpus) Stats() (*Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	stats := &Stats{Failures: c.count}
	if info, err := os.Stat(c.config.Path); err == nil {
		stats.DatabaseSize = info.Size()
	}
	return stats, nil
}

// Close persists metadata and closes the database.
func (c *Corpus) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	count := c.count
	c.mu.Unlock()

	if !c.config.ReadOnly {
		err := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketMetadata).Put(keyCount, binary.BigEndian.AppendUint64(nil, count))
		})
		if err != nil {
			c.logger.Warn("persist corpus metadata", zap.Error(err))
		}
	}
	return c.db.Close()
}
