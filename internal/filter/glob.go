package filter

import (
	"errors"
	"regexp"
	"strings"
)

// glob is one compiled rsync-style pattern. '*' matches within a path
// segment, '**' across segments, '?' one non-slash character and [...] a
// class ('!' negates). A leading '/' anchors at the scan root; a trailing
// '/' restricts the match to directories.
type glob struct {
	re      *regexp.Regexp
	dirOnly bool
}

func compileGlob(pattern string) (*glob, error) {
	if pattern == "" || pattern == "/" {
		return nil, errors.New("empty pattern")
	}

	g := &glob{}
	if trimmed, ok := strings.CutSuffix(pattern, "/"); ok {
		g.dirOnly = true
		pattern = trimmed
	}

	// A pattern containing a slash anywhere but the end is anchored.
	anchored := strings.Contains(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")

	var b strings.Builder
	if anchored {
		b.WriteString("^")
	} else {
		b.WriteString("(^|/)")
	}
	translate(&b, pattern)
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	g.re = re
	return g, nil
}

func (g *glob) match(relPath string, isDir bool) bool {
	if g.dirOnly && !isDir {
		return false
	}
	return g.re.MatchString(relPath)
}

func translate(b *strings.Builder, pattern string) {
	for i := 0; i < len(pattern); {
		switch c := pattern[i]; c {
		case '*':
			switch {
			case strings.HasPrefix(pattern[i:], "**/"):
				b.WriteString("(.*/)?")
				i += 3
			case strings.HasPrefix(pattern[i:], "**"):
				b.WriteString(".*")
				i += 2
			default:
				b.WriteString("[^/]*")
				i++
			}
		case '?':
			b.WriteString("[^/]")
			i++
		case '[':
			end := classEnd(pattern, i)
			if end < 0 {
				b.WriteString(`\[`)
				i++
				continue
			}
			class := pattern[i+1 : end]
			if rest, ok := strings.CutPrefix(class, "!"); ok {
				class = "^" + rest
			}
			b.WriteString("[" + class + "]")
			i = end + 1
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
			i++
		}
	}
}

// classEnd returns the index of the ']' closing the class opened at
// start, or -1.
func classEnd(pattern string, start int) int {
	j := start + 1
	if j < len(pattern) && pattern[j] == '!' {
		j++
	}
	if j < len(pattern) && pattern[j] == ']' {
		j++
	}
	for ; j < len(pattern); j++ {
		if pattern[j] == ']' {
			return j
		}
	}
	return -1
}
