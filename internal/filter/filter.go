// Package filter decides which scanned entries take part in a transfer.
// Rules use rsync-style globs and are evaluated in order; the first rule
// that matches decides. Paths are slash-separated and relative to the
// scan root.
package filter

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

type rule struct {
	glob    *glob
	include bool
}

// Chain is an ordered rule list plus optional file-size bounds. The zero
// value includes everything.
type Chain struct {
	rules   []rule
	minSize int64
	maxSize int64
}

// NewChain returns an empty chain.
func NewChain() *Chain { return &Chain{} }

// Exclude appends an exclude rule.
func (c *Chain) Exclude(pattern string) error { return c.add(pattern, false) }

// Include appends an include rule.
func (c *Chain) Include(pattern string) error { return c.add(pattern, true) }

func (c *Chain) add(pattern string, include bool) error {
	g, err := compileGlob(pattern)
	if err != nil {
		return fmt.Errorf("filter %q: %w", pattern, err)
	}
	c.rules = append(c.rules, rule{glob: g, include: include})
	return nil
}

// AddRule parses one rule line: "+ pattern" includes, "- pattern" or a
// bare pattern excludes.
func (c *Chain) AddRule(line string) error {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "+ "):
		return c.Include(strings.TrimSpace(line[2:]))
	case strings.HasPrefix(line, "- "):
		return c.Exclude(strings.TrimSpace(line[2:]))
	default:
		return c.Exclude(line)
	}
}

// Load reads rule lines from r. Blank lines and lines starting with '#'
// are skipped.
func (c *Chain) Load(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		if err := c.AddRule(line); err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
	}
	return sc.Err()
}

// LoadFile reads rule lines from the file at path.
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()

	if err := c.Load(f); err != nil {
		return fmt.Errorf("filter file %s: %w", path, err)
	}
	return nil
}

// SetSizeBounds limits regular files to [minSize, maxSize]. Zero disables
// a bound.
func (c *Chain) SetSizeBounds(minSize, maxSize int64) {
	c.minSize, c.maxSize = minSize, maxSize
}

// Len returns the number of glob rules.
func (c *Chain) Len() int { return len(c.rules) }

// Empty reports whether the chain would include every entry.
func (c *Chain) Empty() bool {
	return c == nil || (len(c.rules) == 0 && c.minSize == 0 && c.maxSize == 0)
}

// Match reports whether relPath is included. Size bounds apply only to
// non-directories. A nil chain includes everything.
func (c *Chain) Match(relPath string, isDir bool, size int64) bool {
	if c == nil {
		return true
	}
	if !isDir {
		if c.minSize > 0 && size < c.minSize {
			return false
		}
		if c.maxSize > 0 && size > c.maxSize {
			return false
		}
	}
	for _, r := range c.rules {
		if r.glob.match(relPath, isDir) {
			return r.include
		}
	}
	return true
}
