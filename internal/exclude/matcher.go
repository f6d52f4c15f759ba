// Package exclude implements gitignore-style path exclusion patterns used to
// decide which files are captured into a backup.
package exclude

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Patterns support:
//   - literal path segments: etc/fstab
//   - `*` matching within one segment, `?` matching one character
//   - `**` matching across segments; `**/` matches any directory depth
//   - trailing `/` meaning the directory and everything under it
//   - leading `/` anchoring the pattern to the tree root
//   - leading `!` negating (re-including) a previously excluded path
//   - `#` comments and blank lines, skipped at load time
//
// Later patterns override earlier ones (last-match-wins), so user-supplied
// patterns loaded after the defaults can both extend and narrow them.

// protectedNames are engine-internal archive members that no pattern may
// exclude.
var protectedNames = map[string]struct{}{
	"manifest.json":    {},
	"checksums.sha256": {},
}

// PatternError reports a malformed exclusion pattern. It is raised at load
// time so a bad configuration aborts before any collection starts.
type PatternError struct {
	Pattern string
	Reason  string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("invalid exclude pattern %q: %s", e.Pattern, e.Reason)
}

type rule struct {
	raw    string
	negate bool
	re     *regexp.Regexp
}

// Matcher answers include/exclude queries for relative paths against an
// ordered pattern list.
type Matcher struct {
	rules []rule
}

// New compiles the given patterns into a Matcher. Patterns are evaluated in
// the order given; the first malformed pattern aborts compilation.
func New(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		if err := m.Add(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add compiles and appends one pattern. Blank lines and comments are ignored.
func (m *Matcher) Add(pattern string) error {
	raw := pattern
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || strings.HasPrefix(pattern, "#") {
		return nil
	}

	negate := strings.HasPrefix(pattern, "!")
	if negate {
		pattern = strings.TrimSpace(pattern[1:])
		if pattern == "" {
			return &PatternError{Pattern: raw, Reason: "negation without pattern"}
		}
	}

	expr, err := globToRegex(pattern)
	if err != nil {
		return &PatternError{Pattern: raw, Reason: err.Error()}
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return &PatternError{Pattern: raw, Reason: err.Error()}
	}

	m.rules = append(m.rules, rule{raw: raw, negate: negate, re: re})
	return nil
}

// globToRegex translates one gitignore-style pattern into an anchored regexp.
func globToRegex(pattern string) (string, error) {
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return "", fmt.Errorf("empty pattern")
	}

	var b strings.Builder
	if strings.HasPrefix(pattern, "/") {
		pattern = pattern[1:]
		b.WriteString("^")
	} else {
		// Unanchored patterns match at any depth.
		b.WriteString("(?:^|.*/)")
	}
	if pattern == "" {
		return "", fmt.Errorf("pattern matches everything")
	}

	for i := 0; i < len(pattern); {
		switch {
		case strings.HasPrefix(pattern[i:], "**/"):
			b.WriteString("(?:.*/)?")
			i += 3
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '?':
			b.WriteString("[^/]")
			i++
		case pattern[i] == '[':
			end := strings.IndexByte(pattern[i:], ']')
			if end <= 1 {
				return "", fmt.Errorf("unterminated character class")
			}
			b.WriteString(pattern[i : i+end+1])
			i += end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}

	if dirOnly {
		// The directory itself and everything under it.
		b.WriteString("(?:/.*)?$")
	} else {
		b.WriteString("$")
	}
	return b.String(), nil
}

// Excluded reports whether the given relative path should be excluded from
// the backup. Engine-internal manifest and checksum files are never excluded.
func (m *Matcher) Excluded(path string) bool {
	path = strings.TrimPrefix(path, "./")
	if _, protected := protectedNames[path]; protected {
		return false
	}

	excluded := false
	for _, r := range m.rules {
		if r.re.MatchString(path) {
			excluded = !r.negate
		}
	}
	return excluded
}

// Patterns returns the raw patterns currently active, negations included.
func (m *Matcher) Patterns() []string {
	out := make([]string, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.raw)
	}
	return out
}

// FromFile builds a Matcher from a file with one pattern per line, appended
// after the given base patterns.
func FromFile(base []string, path string) (*Matcher, error) {
	m, err := New(base)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open exclude file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if err := m.Add(scanner.Text()); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("cannot read exclude file: %w", err)
	}
	return m, nil
}

// DefaultPatterns returns the built-in exclusion list applied before any
// user-supplied patterns. It drops caches, lock files, and other state that
// is regenerated rather than restored.
func DefaultPatterns() []string {
	return []string{
		// Caches
		"**/.cache/",
		"**/cache/",
		"**/Cache/",
		"**/CachedData/",
		"**/.thumbnails/",
		// Lock and PID files
		"**/*.lock",
		"**/*.pid",
		// Temporary files
		"**/*.tmp",
		"**/*.temp",
		"**/tmp/",
		// Browsers
		"**/.mozilla/firefox/*/cache2/",
		"**/google-chrome/*/Cache/",
		"**/chromium/*/Cache/",
		// Development state
		"**/node_modules/",
		"**/.npm/",
		"**/.cargo/registry/",
		"**/.rustup/toolchains/",
		"**/__pycache__/",
		"**/.venv/",
		"**/venv/",
		"**/.gradle/",
		// Logs and trash
		"**/*.log",
		"**/.local/share/Trash/",
	}
}
