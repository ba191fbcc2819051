// Package batch partitions a range of job indices into working
// directories.
//
// A job's directory name is a pure function of its index, so a batch
// can be resumed from any start index without recomputing earlier jobs.
package batch

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
)

// ErrInvalidRange indicates inconsistent partition bounds.
var ErrInvalidRange = errors.New("invalid job range")

// Descriptor identifies one job of a batch.
type Descriptor struct {
	// Index is the job identity within the batch.
	Index int `json:"index"`

	// Dir is the job's working directory.
	Dir string `json:"dir"`
}

// Naming derives directory names from job indices.
//
// The zero value names job 7 "7" relative to the current directory.
type Naming struct {
	// Root is the directory that holds the job directories.
	Root string

	// Prefix is prepended to the index (e.g. "job_").
	Prefix string

	// Width zero-pads the index to this many digits. Zero disables padding.
	Width int
}

// Name returns the directory base name for index.
func (n Naming) Name(index int) string {
	if n.Width > 0 {
		return fmt.Sprintf("%s%0*d", n.Prefix, n.Width, index)
	}
	return n.Prefix + strconv.Itoa(index)
}

// Dir returns the full directory path for index.
func (n Naming) Dir(index int) string {
	name := n.Name(index)
	if n.Root == "" {
		return name
	}
	return filepath.Join(n.Root, name)
}

// Partition returns descriptors for indices [start, total) in order.
//
// It fails with ErrInvalidRange when either bound is negative or start
// is not below total.
func Partition(total, start int, naming Naming) ([]Descriptor, error) {
	if total < 0 || start < 0 {
		return nil, fmt.Errorf("%w: total=%d start=%d must be non-negative", ErrInvalidRange, total, start)
	}
	if start >= total {
		return nil, fmt.Errorf("%w: start=%d must be below total=%d", ErrInvalidRange, start, total)
	}

	out := make([]Descriptor, 0, total-start)
	for i := start; i < total; i++ {
		out = append(out, Descriptor{Index: i, Dir: naming.Dir(i)})
	}
	return out, nil
}
