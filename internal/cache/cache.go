// Package cache provides persistent caching of file hashes keyed by
// path, so a warm rescan can skip re-reading unchanged files (spec.md
// §4.7).
package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/ivoronin/dupehound/internal/types"
)

const bucketName = "entries"

// Cache provides persistent caching of per-file hash metadata using
// BoltDB.
//
// Self-cleaning: each run reads from the previous database and writes
// to a fresh one; only entries actually looked up during this run are
// copied forward, so stale entries for files no longer scanned age
// out naturally rather than accumulating forever.
type Cache struct {
	readDB  *bolt.DB // previous run's cache (read-only)
	writeDB *bolt.DB // this run's cache (write); bbolt's file lock on
	// this path prevents two instances racing on the same cache file
	path    string
	enabled bool
}

// Open opens the existing cache at path for reading and creates a new
// one for writing. Passing an empty path returns a disabled cache
// whose Get*/Insert*/Close methods are all no-ops.
func Open(path string) (*Cache, error) {
	if path == "" {
		return &Cache{enabled: false}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{path: path, enabled: true}

	if _, statErr := os.Stat(path); statErr == nil {
		readDB, err := bolt.Open(path, 0o600, &bolt.Options{
			ReadOnly: true,
			Timeout:  1 * time.Second,
		})
		if err == nil {
			c.readDB = readDB
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("create new cache (locked by another instance?): %w", err)
	}
	c.writeDB = writeDB

	if err := c.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes both databases and atomically replaces the old cache
// file with the new one. The swap only happens if the write database
// closed cleanly, to avoid losing the previous cache on a failed write.
func (c *Cache) Close() error {
	var errs []error
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.writeDB != nil {
		if err := c.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if err := os.Rename(c.path+".new", c.path); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// Clear discards both the read and write databases, leaving the cache
// as if nothing had ever been looked up or stored this run.
func (c *Cache) Clear() error {
	if !c.enabled {
		return nil
	}
	if c.readDB != nil {
		_ = c.readDB.Close()
		c.readDB = nil
	}
	if c.writeDB != nil {
		if err := c.writeDB.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket([]byte(bucketName)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			_, err := tx.CreateBucket([]byte(bucketName))
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

func key(path string) []byte { return []byte(path) }

// GetPrehash returns the stored prehash for path, but only if the
// cached size and mtime exactly match the given metadata (spec.md §4.7).
func (c *Cache) GetPrehash(path string, size int64, modTime time.Time, ino uint64, hasInode bool) (types.Hash, bool, error) {
	entry, ok, err := c.get(path)
	if err != nil || !ok {
		return types.Hash{}, false, err
	}
	if !entry.ValidFor(size, modTime, ino, hasInode) {
		return types.Hash{}, false, nil
	}
	if err := c.copyForward(entry); err != nil {
		return types.Hash{}, false, err
	}
	return entry.Prehash, true, nil
}

// GetFullHash returns the stored full hash for path, under the same
// validity rule as GetPrehash.
func (c *Cache) GetFullHash(path string, size int64, modTime time.Time, ino uint64, hasInode bool) (types.Hash, bool, error) {
	entry, ok, err := c.get(path)
	if err != nil || !ok || entry.FullHash == nil {
		return types.Hash{}, false, err
	}
	if !entry.ValidFor(size, modTime, ino, hasInode) {
		return types.Hash{}, false, nil
	}
	if err := c.copyForward(entry); err != nil {
		return types.Hash{}, false, err
	}
	return *entry.FullHash, true, nil
}

// GetPerceptualHash returns the stored perceptual hash for path, under
// the same validity rule as GetPrehash.
func (c *Cache) GetPerceptualHash(path string, size int64, modTime time.Time, ino uint64, hasInode bool) (uint64, bool, error) {
	entry, ok, err := c.get(path)
	if err != nil || !ok || entry.PerceptualHash == nil {
		return 0, false, err
	}
	if !entry.ValidFor(size, modTime, ino, hasInode) {
		return 0, false, nil
	}
	if err := c.copyForward(entry); err != nil {
		return 0, false, err
	}
	return *entry.PerceptualHash, true, nil
}

// GetDocumentFingerprint returns the stored SimHash fingerprint for
// path, under the same validity rule as GetPrehash.
func (c *Cache) GetDocumentFingerprint(path string, size int64, modTime time.Time, ino uint64, hasInode bool) (uint64, bool, error) {
	entry, ok, err := c.get(path)
	if err != nil || !ok || entry.DocumentFingerprint == nil {
		return 0, false, err
	}
	if !entry.ValidFor(size, modTime, ino, hasInode) {
		return 0, false, nil
	}
	if err := c.copyForward(entry); err != nil {
		return 0, false, err
	}
	return *entry.DocumentFingerprint, true, nil
}

// InsertPerceptualHash upserts a file's perceptual hash, carrying
// forward its existing prehash/full hash when still valid.
func (c *Cache) InsertPerceptualHash(rec fileMeta, hash uint64) error {
	return c.insertOptional(rec, func(e *types.CacheEntry) { e.PerceptualHash = &hash })
}

// InsertDocumentFingerprint upserts a file's SimHash fingerprint,
// carrying forward its existing prehash/full hash when still valid.
func (c *Cache) InsertDocumentFingerprint(rec fileMeta, fingerprint uint64) error {
	return c.insertOptional(rec, func(e *types.CacheEntry) { e.DocumentFingerprint = &fingerprint })
}

func (c *Cache) insertOptional(rec fileMeta, set func(*types.CacheEntry)) error {
	if !c.enabled {
		return nil
	}
	entry := types.CacheEntry{
		Path:          rec.Path,
		Size:          rec.Size,
		ModTimeNanos:  rec.ModTime.UnixNano(),
		Ino:           rec.Ino,
		HasInode:      rec.HasInode,
		CreatedAtUnix: nowUnix(),
	}
	if existing, ok, err := c.get(rec.Path); err == nil && ok && existing.ValidFor(rec.Size, rec.ModTime, rec.Ino, rec.HasInode) {
		entry.Prehash = existing.Prehash
		entry.FullHash = existing.FullHash
		entry.PerceptualHash = existing.PerceptualHash
		entry.DocumentFingerprint = existing.DocumentFingerprint
	}
	set(&entry)
	return c.put(entry)
}

// InsertPrehash upserts the prehash for a file. If the path already
// has an entry recorded under different (size, mtime), any existing
// full hash is invalidated since it no longer describes this content.
func (c *Cache) InsertPrehash(rec fileMeta, hash types.Hash) error {
	if !c.enabled {
		return nil
	}
	entry := types.CacheEntry{
		Path:          rec.Path,
		Size:          rec.Size,
		ModTimeNanos:  rec.ModTime.UnixNano(),
		Ino:           rec.Ino,
		HasInode:      rec.HasInode,
		Prehash:       hash,
		CreatedAtUnix: nowUnix(),
	}
	if existing, ok, err := c.get(rec.Path); err == nil && ok && existing.ValidFor(rec.Size, rec.ModTime, rec.Ino, rec.HasInode) {
		entry.FullHash = existing.FullHash
		entry.PerceptualHash = existing.PerceptualHash
		entry.DocumentFingerprint = existing.DocumentFingerprint
	}
	return c.put(entry)
}

// InsertFullHash upserts both the prehash and full hash for a file in
// one write.
func (c *Cache) InsertFullHash(rec fileMeta, prehash, fullHash types.Hash) error {
	if !c.enabled {
		return nil
	}
	entry := types.CacheEntry{
		Path:          rec.Path,
		Size:          rec.Size,
		ModTimeNanos:  rec.ModTime.UnixNano(),
		Ino:           rec.Ino,
		HasInode:      rec.HasInode,
		Prehash:       prehash,
		FullHash:      &fullHash,
		CreatedAtUnix: nowUnix(),
	}
	return c.put(entry)
}

// Invalidate removes any cache entry for path.
func (c *Cache) Invalidate(path string) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}
	return c.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete(key(path))
	})
}

// fileMeta is the subset of FileRecord the cache needs to validate and
// key entries; kept narrow so callers don't need to import the full
// pipeline state to use the cache.
type fileMeta struct {
	Path     string
	Size     int64
	ModTime  time.Time
	Ino      uint64
	HasInode bool
}

// MetaOf extracts the cache key fields from a FileRecord.
func MetaOf(f *types.FileRecord) fileMeta {
	return fileMeta{Path: f.Path, Size: f.Size, ModTime: f.ModTime, Ino: f.Ino, HasInode: f.HasInode}
}

func (c *Cache) get(path string) (types.CacheEntry, bool, error) {
	if !c.enabled || c.readDB == nil {
		return types.CacheEntry{}, false, nil
	}
	var entry types.CacheEntry
	var found bool
	err := c.readDB.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		data := b.Get(key(path))
		if data == nil {
			return nil
		}
		e, err := decodeEntry(data)
		if err != nil {
			return err
		}
		e.Path = path
		entry = e
		found = true
		return nil
	})
	if err != nil {
		return types.CacheEntry{}, false, fmt.Errorf("cache lookup %s: %w", path, err)
	}
	return entry, found, nil
}

func (c *Cache) copyForward(entry types.CacheEntry) error {
	return c.put(entry)
}

func (c *Cache) put(entry types.CacheEntry) error {
	if !c.enabled || c.writeDB == nil {
		return nil
	}
	data := encodeEntry(entry)
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put(key(entry.Path), data)
	})
	if err != nil {
		return fmt.Errorf("cache store %s: %w", entry.Path, err)
	}
	return nil
}

// InsertBatch upserts many entries in a single bbolt transaction,
// used by bulk cache-warming paths (e.g. rehashing a whole size group).
func (c *Cache) InsertBatch(entries []types.CacheEntry) error {
	if !c.enabled || c.writeDB == nil || len(entries) == 0 {
		return nil
	}
	return c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		for _, e := range entries {
			if err := b.Put(key(e.Path), encodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneStale removes cache entries whose path is not present in
// keep, used to forcibly drop entries for files that no longer exist
// rather than waiting for them to age out of the self-cleaning cycle.
func (c *Cache) PruneStale(keep map[string]struct{}) (int, error) {
	if !c.enabled || c.writeDB == nil {
		return 0, nil
	}
	removed := 0
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if _, ok := keep[string(k)]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// PruneByAge removes entries created before cutoff.
func (c *Cache) PruneByAge(cutoff time.Time) (int, error) {
	if !c.enabled || c.writeDB == nil {
		return 0, nil
	}
	cutoffUnix := cutoff.Unix()
	removed := 0
	err := c.writeDB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if entry.CreatedAtUnix < cutoffUnix {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

const (
	flagHasFullHash = 1 << iota
	flagHasPerceptualHash
	flagHasDocumentFingerprint
)

// encodeEntry serializes a CacheEntry to a compact fixed-plus-flags
// binary layout: size(8) modns(8) ino(8) hasInode(1) prehash(32)
// flags(1) [fullhash(32)] [perceptual(8)] [docfingerprint(8)] created(8).
// Path is the bucket key, not part of the value.
func encodeEntry(e types.CacheEntry) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.BigEndian, e.Size)
	_ = binary.Write(buf, binary.BigEndian, e.ModTimeNanos)
	_ = binary.Write(buf, binary.BigEndian, e.Ino)
	if e.HasInode {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(e.Prehash[:])

	var flags byte
	if e.FullHash != nil {
		flags |= flagHasFullHash
	}
	if e.PerceptualHash != nil {
		flags |= flagHasPerceptualHash
	}
	if e.DocumentFingerprint != nil {
		flags |= flagHasDocumentFingerprint
	}
	buf.WriteByte(flags)

	if e.FullHash != nil {
		buf.Write(e.FullHash[:])
	}
	if e.PerceptualHash != nil {
		_ = binary.Write(buf, binary.BigEndian, *e.PerceptualHash)
	}
	if e.DocumentFingerprint != nil {
		_ = binary.Write(buf, binary.BigEndian, *e.DocumentFingerprint)
	}
	_ = binary.Write(buf, binary.BigEndian, e.CreatedAtUnix)
	return buf.Bytes()
}

func decodeEntry(data []byte) (types.CacheEntry, error) {
	r := bytes.NewReader(data)
	var e types.CacheEntry

	if err := binary.Read(r, binary.BigEndian, &e.Size); err != nil {
		return e, fmt.Errorf("decode cache entry: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &e.ModTimeNanos); err != nil {
		return e, fmt.Errorf("decode cache entry: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &e.Ino); err != nil {
		return e, fmt.Errorf("decode cache entry: %w", err)
	}
	hasInode, err := r.ReadByte()
	if err != nil {
		return e, fmt.Errorf("decode cache entry: %w", err)
	}
	e.HasInode = hasInode != 0

	if _, err := r.Read(e.Prehash[:]); err != nil {
		return e, fmt.Errorf("decode cache entry: %w", err)
	}

	flags, err := r.ReadByte()
	if err != nil {
		return e, fmt.Errorf("decode cache entry: %w", err)
	}

	if flags&flagHasFullHash != 0 {
		var h types.Hash
		if _, err := r.Read(h[:]); err != nil {
			return e, fmt.Errorf("decode cache entry: %w", err)
		}
		e.FullHash = &h
	}
	if flags&flagHasPerceptualHash != 0 {
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return e, fmt.Errorf("decode cache entry: %w", err)
		}
		e.PerceptualHash = &v
	}
	if flags&flagHasDocumentFingerprint != 0 {
		var v uint64
		if err := binary.Read(r, binary.BigEndian, &v); err != nil {
			return e, fmt.Errorf("decode cache entry: %w", err)
		}
		e.DocumentFingerprint = &v
	}
	_ = binary.Read(r, binary.BigEndian, &e.CreatedAtUnix)
	return e, nil
}

var nowUnix = func() int64 { return time.Now().Unix() }
