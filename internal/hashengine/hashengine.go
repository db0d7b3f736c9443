// Package hashengine computes the two content hashes the rest of the
// pipeline keys everything on: a cheap prehash over the first bytes of
// a file and a full hash over its entire contents (spec.md §4.4).
//
// Both use BLAKE3, which streams internally as a tree and lets large
// files be hashed in parallel-friendly chunks without the length-extension
// caveats SHA-2 carries; the teacher's verifier used SHA-256 read in
// 64KiB blocks, and that buffering strategy survives here unchanged for
// the streaming path.
package hashengine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/exp/mmap"

	"github.com/ivoronin/dupehound/internal/types"
)

// PrehashSize is the number of leading bytes a prehash covers.
const PrehashSize = 4096

// DefaultMmapThreshold is the file size at or above which FullHash
// prefers a memory-mapped read over a streamed one.
const DefaultMmapThreshold = 16 << 20 // 16 MiB

// blockSize is the read buffer size for the streamed path.
const blockSize = 64 * 1024

// Kind enumerates the ways hashing a file can fail.
type Kind int

const (
	NotFound Kind = iota
	PermissionDenied
	Io
)

// Error reports a hashing failure, carrying enough detail for
// ScanSummary's non-fatal error list (spec.md §7).
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hash %s: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func classify(path string, err error) *Error {
	kind := Io
	switch {
	case errors.Is(err, os.ErrNotExist):
		kind = NotFound
	case errors.Is(err, os.ErrPermission):
		kind = PermissionDenied
	}
	return &Error{Kind: kind, Path: path, Err: err}
}

// Engine computes prehashes and full hashes, choosing between a
// streamed read and a memory-mapped read for the full-hash path based
// on MmapThreshold. A zero-value Engine uses DefaultMmapThreshold with
// mmap enabled.
type Engine struct {
	MmapThreshold int64
	MmapDisabled  bool
}

// New returns an Engine configured with the given mmap threshold. A
// threshold of 0 or less selects DefaultMmapThreshold; mmapDisabled
// makes FullHash always stream.
func New(mmapThreshold int64, mmapDisabled bool) *Engine {
	if mmapThreshold <= 0 {
		mmapThreshold = DefaultMmapThreshold
	}
	return &Engine{MmapThreshold: mmapThreshold, MmapDisabled: mmapDisabled}
}

// Prehash hashes the first PrehashSize bytes of path (or the whole
// file if it is shorter).
func (e *Engine) Prehash(path string) (types.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Hash{}, classify(path, err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, io.LimitReader(f, PrehashSize), buf); err != nil {
		return types.Hash{}, classify(path, err)
	}
	return sum(h), nil
}

// FullHash hashes the entire contents of path, using a memory-mapped
// read for files at or above the engine's mmap threshold and a
// streamed read otherwise (spec.md §4.4).
func (e *Engine) FullHash(path string, size int64) (types.Hash, error) {
	threshold := e.MmapThreshold
	if threshold <= 0 {
		threshold = DefaultMmapThreshold
	}
	if !e.MmapDisabled && size >= threshold {
		h, err := e.fullHashMmap(path)
		if err == nil {
			return h, nil
		}
		// Fall back to streaming on mmap-specific failures (e.g.
		// filesystems that don't support mmap); a genuine I/O error
		// will fail again identically below.
	}
	return e.fullHashStream(path)
}

func (e *Engine) fullHashStream(path string) (types.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Hash{}, classify(path, err)
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return types.Hash{}, classify(path, err)
	}
	return sum(h), nil
}

func (e *Engine) fullHashMmap(path string) (types.Hash, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return types.Hash{}, classify(path, err)
	}
	defer func() { _ = r.Close() }()

	h := blake3.New()
	buf := make([]byte, blockSize)
	length := r.Len()
	for off := 0; off < length; off += len(buf) {
		n := len(buf)
		if off+n > length {
			n = length - off
		}
		if _, err := r.ReadAt(buf[:n], int64(off)); err != nil && err != io.EOF {
			return types.Hash{}, classify(path, err)
		}
		h.Write(buf[:n])
	}
	return sum(h), nil
}

func sum(h *blake3.Hasher) types.Hash {
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
