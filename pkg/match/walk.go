package match

import (
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Bases returns the static directories the include patterns start from,
// with bases nested in another base removed. "." means the whole root.
func (m *Matcher) Bases() []string {
	bases := make([]string, 0, len(m.includes))
	for _, inc := range m.includes {
		base, _ := doublestar.SplitPattern(inc)
		bases = append(bases, path.Clean(base))
	}
	sort.Slice(bases, func(i, j int) bool { return len(bases[i]) < len(bases[j]) })

	out := make([]string, 0, len(bases))
	for _, b := range bases {
		subsumed := false
		for _, kept := range out {
			if kept == "." || b == kept || strings.HasPrefix(b, kept+"/") {
				subsumed = true
				break
			}
		}
		if !subsumed {
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

// Walk returns the job directories under root selected by the matcher,
// in natural order ("9" before "10"). Only the static bases of the
// include patterns are traversed.
func (m *Matcher) Walk(root string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string

	for _, base := range m.Bases() {
		start := filepath.Join(root, filepath.FromSlash(base))
		err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) && p == start {
					return filepath.SkipDir
				}
				return err
			}
			if !d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if rel != "." && !m.includeHidden && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if !seen[p] && m.Match(rel) && m.isJobDir(p) {
				seen[p] = true
				out = append(out, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	SortNatural(out)
	return out, nil
}

func (m *Matcher) isJobDir(dir string) bool {
	for _, name := range m.markers {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// SortNatural sorts paths comparing digit runs numerically.
func SortNatural(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool { return naturalLess(paths[i], paths[j]) })
}

func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		da, ra := leadingDigits(a)
		db, rb := leadingDigits(b)
		if da != "" && db != "" {
			na, _ := strconv.ParseUint(da, 10, 64)
			nb, _ := strconv.ParseUint(db, 10, 64)
			if na != nb {
				return na < nb
			}
			a, b = ra, rb
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingDigits(s string) (digits, rest string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i], s[i:]
}
