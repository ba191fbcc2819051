// Package report locates tagged lines in the text reports written by
// electronic-structure codes.
//
// Reports are scanned line by line and matched by plain substring. A pattern
// that never occurs yields an empty Location, not an error: callers decide
// whether absence matters. Only I/O problems are returned as errors.
//
// Files ending in .gz or .zst are decompressed transparently so archived
// job directories can be read without unpacking them first.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxLineBytes bounds a single report line. Band listings with many
// k-points can be wide, so the bufio default (64 KiB) is raised.
const maxLineBytes = 4 << 20

// compressedSuffixes are tried, in order, by Find.
var compressedSuffixes = []string{"", ".gz", ".zst"}

// Location is the result of a Locate query.
type Location struct {
	// Path is the report that was scanned.
	Path string

	// Lines holds the 0-based indices of matching lines, ascending.
	Lines []int
}

// Found reports whether at least one line matched.
func (l *Location) Found() bool {
	return l != nil && len(l.Lines) > 0
}

// First returns the first matching line index.
func (l *Location) First() (int, bool) {
	if !l.Found() {
		return 0, false
	}
	return l.Lines[0], true
}

// Last returns the last matching line index.
func (l *Location) Last() (int, bool) {
	if !l.Found() {
		return 0, false
	}
	return l.Lines[len(l.Lines)-1], true
}

// Locate scans path and returns every line that contains pattern.
//
// The whole file is read; there is no early exit on the first match
// because decoders frequently need the last occurrence.
func Locate(path, pattern string) (*Location, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	return &Location{Path: path, Lines: LocateLines(lines, pattern)}, nil
}

// LocateLines is Locate over an already loaded report.
func LocateLines(lines []string, pattern string) []int {
	matches := make([]int, 0, 4)
	for i, line := range lines {
		if strings.Contains(line, pattern) {
			matches = append(matches, i)
		}
	}
	return matches
}

// ReadLines loads the whole report into memory, one element per line
// with the line terminator stripped.
func ReadLines(path string) ([]string, error) {
	rc, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read report %s: %w", path, err)
	}
	return lines, nil
}

// Open opens a report read-only, wrapping it in a decompressor when the
// file name ends in .gz or .zst.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip report %s: %w", path, err)
		}
		return &stackedReader{Reader: zr, closers: []func() error{zr.Close, f.Close}}, nil
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open zstd report %s: %w", path, err)
		}
		return &stackedReader{Reader: zr, closers: []func() error{
			func() error { zr.Close(); return nil },
			f.Close,
		}}, nil
	default:
		return f, nil
	}
}

// Find returns the path of name inside dir, accepting a compressed
// variant (name.gz, name.zst) when the plain file is absent.
//
// The returned error wraps os.ErrNotExist when no variant exists.
func Find(dir, name string) (string, error) {
	for _, suffix := range compressedSuffixes {
		candidate := filepath.Join(dir, name+suffix)
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat report: %w", err)
		}
	}
	return "", fmt.Errorf("%s in %s: %w", name, dir, os.ErrNotExist)
}

// stackedReader closes a decompressor before the file under it.
type stackedReader struct {
	io.Reader
	closers []func() error
}

func (s *stackedReader) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
