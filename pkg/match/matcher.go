// Package match selects job directories by doublestar glob patterns.
//
// Patterns are matched against slash-separated paths relative to a batch
// root, e.g. "encut/*" or "defects/**/scf". A directory is a job
// directory when it contains a ledger record or a main report.
package match

import (
	"errors"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultMarkers identify job directories.
var DefaultMarkers = []string{"job.json", "OUTCAR", "OUTCAR.gz", "OUTCAR.zst"}

// Config configures a Matcher.
type Config struct {
	// Includes are glob patterns that directories must match (at least one).
	Includes []string

	// Excludes are glob patterns that directories must not match (any).
	Excludes []string

	// IncludeHidden controls whether directories with a path segment
	// starting with '.' are matched.
	// Default: false
	IncludeHidden bool

	// Markers are file names of which at least one must exist in a
	// directory for Walk to report it.
	// Default: DefaultMarkers
	Markers []string
}

// Errors returned by Matcher operations.
var (
	// ErrNoIncludes is returned when no include patterns are provided.
	ErrNoIncludes = errors.New("at least one include pattern is required")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// PatternError wraps pattern-related errors with context.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return "pattern " + e.Pattern + ": " + e.Err.Error()
}

func (e *PatternError) Unwrap() error {
	return e.Err
}

// Matcher evaluates patterns against relative directory paths.
//
// The Matcher is safe for concurrent use after creation.
type Matcher struct {
	includes      []string
	excludes      []string
	markers       []string
	includeHidden bool
}

// New creates a Matcher. Backslash separators in patterns are converted
// to slashes.
func New(cfg Config) (*Matcher, error) {
	if len(cfg.Includes) == 0 {
		return nil, ErrNoIncludes
	}

	compile := func(raw []string) ([]string, error) {
		out := make([]string, 0, len(raw))
		for _, p := range raw {
			norm := normalizePattern(p)
			if !doublestar.ValidatePattern(norm) {
				return nil, &PatternError{Pattern: p, Err: ErrInvalidPattern}
			}
			out = append(out, norm)
		}
		return out, nil
	}

	includes, err := compile(cfg.Includes)
	if err != nil {
		return nil, err
	}
	excludes, err := compile(cfg.Excludes)
	if err != nil {
		return nil, err
	}

	markers := cfg.Markers
	if len(markers) == 0 {
		markers = DefaultMarkers
	}

	return &Matcher{
		includes:      includes,
		excludes:      excludes,
		markers:       markers,
		includeHidden: cfg.IncludeHidden,
	}, nil
}

// Match reports whether the relative path rel is selected: it matches an
// include, no exclude, and is not hidden unless hidden paths are enabled.
func (m *Matcher) Match(rel string) bool {
	rel = strings.TrimPrefix(rel, "./")
	if !m.includeHidden && IsHidden(rel) {
		return false
	}

	matched := false
	for _, inc := range m.includes {
		if ok, _ := doublestar.Match(inc, rel); ok {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	for _, exc := range m.excludes {
		if ok, _ := doublestar.Match(exc, rel); ok {
			return false
		}
	}
	return true
}

// IncludePatterns returns the normalized include patterns.
func (m *Matcher) IncludePatterns() []string {
	return append([]string(nil), m.includes...)
}

// IsHidden returns true if any path segment starts with a dot.
// "." and ".." segments are not hidden.
func IsHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "" && seg != "." && seg != ".." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// normalizePattern converts unescaped backslashes to slashes and keeps
// escapes of glob metacharacters.
func normalizePattern(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(p) && strings.IndexByte(`*?[]{}\`, p[i+1]) >= 0 {
			b.WriteByte(c)
			b.WriteByte(p[i+1])
			i++
			continue
		}
		b.WriteByte('/')
	}
	return b.String()
}
