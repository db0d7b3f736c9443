// Package docsim extracts normalized text from documents and computes
// SimHash fingerprints for near-duplicate detection (spec.md §4.5).
package docsim

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
	"github.com/mfonda/simhash"
	"github.com/nguyenthenguyen/docx"
)

// Kind enumerates document-extraction failure modes.
type Kind int

const (
	Io Kind = iota
	ExtractFailed
	UnsupportedFormat
)

// Error reports why text extraction failed for a document.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("extract %s: unsupported format", e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// Extractor produces normalized plain text from .pdf, .docx, .txt, and
// .md files.
type Extractor struct{}

// NewExtractor returns a ready-to-use Extractor.
func NewExtractor() *Extractor { return &Extractor{} }

// ExtractText dispatches on file extension and returns the raw
// extracted text (not yet normalized).
func (e *Extractor) ExtractText(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDF(path)
	case ".docx":
		return extractDOCX(path)
	case ".txt", ".md":
		return extractPlainText(path)
	default:
		return "", &Error{Kind: UnsupportedFormat, Path: path}
	}
}

func extractPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", &Error{Kind: Io, Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	b, err := r.GetPlainText()
	if err != nil {
		return "", &Error{Kind: ExtractFailed, Path: path, Err: err}
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, b); err != nil {
		return "", &Error{Kind: ExtractFailed, Path: path, Err: err}
	}
	return buf.String(), nil
}

var xmlTagPattern = regexp.MustCompile(`<[^>]*>`)

func extractDOCX(path string) (string, error) {
	r, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", &Error{Kind: Io, Path: path, Err: err}
	}
	defer func() { _ = r.Close() }()

	content := r.Editable().GetContent()
	text := xmlTagPattern.ReplaceAllString(content, " ")
	return text, nil
}

func extractPlainText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &Error{Kind: Io, Path: path, Err: err}
	}
	return string(data), nil
}

// NormalizeText lowercases, strips ASCII punctuation, and collapses
// whitespace, matching the normalization every similarity comparison
// assumes has already been applied.
func NormalizeText(text string) string {
	lower := strings.ToLower(text)

	var b strings.Builder
	b.Grow(len(lower))
	for _, r := range lower {
		if r < unicode.MaxASCII && unicode.IsPunct(r) {
			continue
		}
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprinter computes 64-bit SimHash fingerprints over word 3-grams,
// falling back to unigrams when the text is too short.
type Fingerprinter struct{}

// NewFingerprinter returns a ready-to-use Fingerprinter.
func NewFingerprinter() *Fingerprinter { return &Fingerprinter{} }

// Compute returns the SimHash fingerprint of text, or 0 for empty
// input.
func (f *Fingerprinter) Compute(text string) uint64 {
	words := strings.Fields(NormalizeText(text))
	if len(words) == 0 {
		return 0
	}

	var tokens []string
	if len(words) < 3 {
		tokens = words
	} else {
		tokens = make([]string, 0, len(words)-2)
		for i := 0; i+3 <= len(words); i++ {
			tokens = append(tokens, strings.Join(words[i:i+3], " "))
		}
	}

	features := make([]simhash.Feature, len(tokens))
	for i, tok := range tokens {
		features[i] = simhash.NewFeature([]byte(tok))
	}
	return simhash.Simhash(features)
}

// HammingDistance returns the number of differing bits between two
// fingerprints.
func HammingDistance(a, b uint64) int {
	x := a ^ b
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}
