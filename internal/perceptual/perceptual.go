// Package perceptual computes fixed-width perceptual hashes for image
// files, used by the similarity phase to find near-duplicate images
// that differ in compression, minor resizing, or rotation (spec.md
// §4.5).
package perceptual

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/corona10/goimagehash"
)

// Algorithm selects which perceptual hash family to compute.
type Algorithm int

const (
	// PHash (DCT-based) is the most resilient to transformations and
	// is the recommended default.
	PHash Algorithm = iota
	// DHash (gradient-based) is fastest.
	DHash
	// AHash (mean-based) is weakest but simplest.
	AHash
)

func (a Algorithm) String() string {
	switch a {
	case PHash:
		return "phash"
	case DHash:
		return "dhash"
	case AHash:
		return "ahash"
	default:
		return "unknown"
	}
}

// DefaultThreshold returns the similarity-phase Hamming-distance
// threshold conventionally paired with each algorithm: pHash tolerates
// the most perceptual drift, aHash the least.
func (a Algorithm) DefaultThreshold() int {
	switch a {
	case PHash:
		return 10
	case DHash:
		return 6
	case AHash:
		return 4
	default:
		return 8
	}
}

// LoadError means the file could not be opened or decoded as an image.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load image %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// Hasher computes a chosen perceptual hash algorithm for image files.
type Hasher struct {
	algorithm Algorithm
}

// New returns a Hasher configured for the given algorithm.
func New(algorithm Algorithm) *Hasher {
	return &Hasher{algorithm: algorithm}
}

// Compute decodes the image at path and returns its perceptual hash as
// a 64-bit value, ready to be stored on a FileRecord or fed to a
// similarity index.
func (h *Hasher) Compute(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &LoadError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, &LoadError{Path: path, Err: err}
	}

	var ih *goimagehash.ImageHash
	switch h.algorithm {
	case DHash:
		ih, err = goimagehash.DifferenceHash(img)
	case AHash:
		ih, err = goimagehash.AverageHash(img)
	default:
		ih, err = goimagehash.PerceptualHash(img)
	}
	if err != nil {
		return 0, &LoadError{Path: path, Err: err}
	}
	return ih.GetHash(), nil
}

// Distance returns the Hamming distance between two perceptual hashes.
func Distance(a, b uint64) int {
	return popcount(a ^ b)
}

func popcount(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}
