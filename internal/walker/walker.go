// Package walker enumerates a directory tree incrementally. Each Step
// expands one directory through a caller-supplied Scanner, so a tree of any
// size can be walked in bounded slices of work and abandoned at any point.
package walker

import (
	"context"
	"errors"
	"fmt"
)

// ErrCanceled is returned by Step after Cancel.
var ErrCanceled = errors.New("walker: canceled")

// Scanner lists one directory and says which entries to descend into.
type Scanner[E any] interface {
	// List returns the immediate children of dir.
	List(ctx context.Context, dir string) ([]E, error)
	// Descend returns the directory path to expand for e, or false if e is
	// not a directory to be walked.
	Descend(e E) (string, bool)
}

// Walker tracks the frontier of unvisited directories and the flat list of
// every entry seen so far. It is not safe for concurrent use.
type Walker[E any] struct {
	scanner  Scanner[E]
	frontier []string
	entries  []E
	visited  int
	total    int
	canceled bool
	err      error
}

// New returns a walker rooted at root. The root itself is never reported
// as an entry.
func New[E any](root string, scanner Scanner[E]) *Walker[E] {
	return &Walker[E]{
		scanner:  scanner,
		frontier: []string{root},
	}
}

// Step expands the next directory in breadth-first order and appends its
// children to Entries. It reports
// whether directories remain. List errors are sticky: once a List call
// fails every later Step returns the same error. A failure caused by ctx is
// not sticky.
func (w *Walker[E]) Step(ctx context.Context) (bool, error) {
	if w.err != nil {
		return false, w.err
	}
	if w.canceled {
		return false, ErrCanceled
	}
	if len(w.frontier) == 0 {
		return false, nil
	}

	dir := w.frontier[0]
	children, err := w.scanner.List(ctx, dir)
	if err != nil {
		err = fmt.Errorf("list %s: %w", dir, err)
		if ctx.Err() != nil {
			// Interrupted by the caller; the directory is retried next Step.
			return true, err
		}
		w.err = err
		return false, err
	}

	w.frontier[0] = ""
	w.frontier = w.frontier[1:]
	w.visited++

	w.total += len(children)
	for _, child := range children {
		w.entries = append(w.entries, child)
		if sub, ok := w.scanner.Descend(child); ok {
			w.frontier = append(w.frontier, sub)
		}
	}
	return len(w.frontier) > 0, nil
}

// Cancel stops further expansion. Entries collected so far stay available.
func (w *Walker[E]) Cancel() { w.canceled = true }

// Done reports whether no directories remain to expand.
func (w *Walker[E]) Done() bool { return len(w.frontier) == 0 }

// Pending returns the number of directories not yet expanded.
func (w *Walker[E]) Pending() int { return len(w.frontier) }

// Visited returns the number of directories expanded so far.
func (w *Walker[E]) Visited() int { return w.visited }

// Len returns the number of entries collected and not yet ejected.
func (w *Walker[E]) Len() int { return len(w.entries) }

// Total returns the number of entries collected since the walk began,
// ejected or not.
func (w *Walker[E]) Total() int { return w.total }

// Entries returns the collected entries without transferring ownership.
func (w *Walker[E]) Entries() []E { return w.entries }

// Eject moves the entries collected since the previous Eject out of the
// walker. It returns nil when there are none, so each entry is handed out
// exactly once even if the walk continues afterwards.
func (w *Walker[E]) Eject() []E {
	out := w.entries
	w.entries = nil
	return out
}
