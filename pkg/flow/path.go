package flow

import (
	"strconv"
	"strings"
)

// Path locates an entry inside a workflow's entry tree. Each element is an
// index: position in the top-level sequence, branch index inside a
// conditional, sub-entry index inside a parallel, or item index inside a
// foreach. Loop iterations share the loop's own path.
type Path []int

// Child returns a new Path extended by one index. The receiver is not
// mutated and the result does not alias its backing array.
func (p Path) Child(i int) Path {
	child := make(Path, len(p)+1)
	copy(child, p)
	child[len(p)] = i
	return child
}

// String renders the path as dot-separated indexes, e.g. "2.0.1".
// The empty path renders as "".
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, len(p))
	for i, idx := range p {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ".")
}

// Equal reports whether two paths are element-wise identical.
func (p Path) Equal(other Path) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}
