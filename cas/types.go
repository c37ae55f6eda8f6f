package cas

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shamaton/msgpack/v2"
)

// snapshotVersion is bumped whenever the on-disk layout changes. Snapshots
// with any other version are refused.
const snapshotVersion = 1

var ErrSnapshotVersion = errors.New("unsupported cache snapshot version")

// Snapshot is the serialized form of a cache. Entries run from least to
// most recently used so that loading them in order restores recency.
type Snapshot struct {
	Version int
	Entries []SnapshotEntry
}

type SnapshotEntry struct {
	ID       string
	Hash     uint64
	Output   string
	Err      string
	CachedAt int64
}

func (s *Snapshot) Serialize(w io.Writer) error {
	return msgpack.MarshalWrite(w, s)
}

func (s *Snapshot) Deserialize(r io.Reader) error {
	return msgpack.UnmarshalRead(r, s)
}

// Snapshot captures the current entries.
func (c *Cache) Snapshot() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Snapshot{
		Version: snapshotVersion,
		Entries: make([]SnapshotEntry, 0, c.evictList.Len()),
	}
	for elem := c.evictList.Back(); elem != nil; elem = elem.Prev() {
		e := elem.Value.(*Entry)
		s.Entries = append(s.Entries, SnapshotEntry{
			ID:       e.ID,
			Hash:     uint64(e.Hash),
			Output:   e.Result.Output,
			Err:      e.Result.Err,
			CachedAt: e.CachedAt.UnixNano(),
		})
	}
	return s
}

// Save writes a snapshot of the cache to w.
func (c *Cache) Save(w io.Writer) error {
	return c.Snapshot().Serialize(w)
}

// Load replaces the cache contents with the snapshot read from r. On any
// error the cache is left empty. Access counters restart from zero.
func (c *Cache) Load(r io.Reader) error {
	s := &Snapshot{}
	err := s.Deserialize(r)
	if err == nil && s.Version != snapshotVersion {
		err = fmt.Errorf("%w: %d", ErrSnapshotVersion, s.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.evictList.Init()
	if err != nil {
		return fmt.Errorf("loading cache snapshot: %w", err)
	}
	for _, se := range s.Entries {
		c.put(&Entry{
			ID:       se.ID,
			Hash:     Hash(se.Hash),
			Result:   Result{Output: se.Output, Err: se.Err},
			CachedAt: time.Unix(0, se.CachedAt),
		})
	}
	return nil
}

// SaveFile writes the snapshot to path, replacing it atomically.
func (c *Cache) SaveFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := c.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// LoadFile loads the snapshot at path. A missing file leaves the cache empty
// and returns an error wrapping os.ErrNotExist.
func (c *Cache) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		c.Clear()
		return err
	}
	defer f.Close()
	return c.Load(f)
}
