// Package navigation builds filtered, sorted views over the document set and
// answers previous/next queries against them.
package navigation

import (
	"slices"
	"strings"

	"github.com/Lllllllleong/documentbrowser/internal/models"
)

// Predicate selects documents for a view.
type Predicate func(models.DocumentMeta) bool

// All accepts every document.
func All(models.DocumentMeta) bool { return true }

// PrefixFilter accepts documents whose key starts with prefix. An empty
// prefix accepts everything.
func PrefixFilter(prefix string) Predicate {
	if prefix == "" {
		return All
	}
	return func(d models.DocumentMeta) bool { return strings.HasPrefix(d.Key, prefix) }
}

// KeySetFilter accepts documents whose key is in keys. A nil set accepts
// everything; an empty non-nil set accepts nothing.
func KeySetFilter(keys map[string]struct{}) Predicate {
	if keys == nil {
		return All
	}
	return func(d models.DocumentMeta) bool {
		_, ok := keys[d.Key]
		return ok
	}
}

// And composes predicates as a logical AND.
func And(preds ...Predicate) Predicate {
	return func(d models.DocumentMeta) bool {
		for _, p := range preds {
			if p != nil && !p(d) {
				return false
			}
		}
		return true
	}
}

// Filter is the collection and named-entity filter applied by the viewer.
type Filter struct {
	// Collection restricts the view to a key prefix.
	Collection string
	// Entity restricts the view to an externally supplied key set; nil disables it.
	Entity map[string]struct{}
}

// Predicate returns the AND of the collection and entity filters.
func (f Filter) Predicate() Predicate {
	return And(PrefixFilter(f.Collection), KeySetFilter(f.Entity))
}

// View is an immutable ordered projection of the document set.
type View struct {
	orderedKeys []string
	keyToIndex  map[string]int
}

// Build filters docs and orders them with cmp. Ties are broken by key, so the
// result is deterministic for the same input set and filter.
func Build(docs []models.DocumentMeta, filter Predicate, cmp Comparator) *View {
	if filter == nil {
		filter = All
	}
	if cmp == nil {
		cmp = ByDocumentID
	}

	selected := make([]Entry, 0, len(docs))
	for _, d := range docs {
		if filter(d) {
			selected = append(selected, Entry{DocumentMeta: d, ID: DocumentID(d.Key)})
		}
	}
	slices.SortStableFunc(selected, withKeyTieBreak(cmp))

	v := &View{
		orderedKeys: make([]string, 0, len(selected)),
		keyToIndex:  make(map[string]int, len(selected)),
	}
	for _, d := range selected {
		if _, dup := v.keyToIndex[d.Key]; dup {
			continue
		}
		v.keyToIndex[d.Key] = len(v.orderedKeys)
		v.orderedKeys = append(v.orderedKeys, d.Key)
	}
	return v
}

// Len returns the number of documents in the view.
func (v *View) Len() int { return len(v.orderedKeys) }

// Keys returns a copy of the ordered keys.
func (v *View) Keys() []string { return slices.Clone(v.orderedKeys) }

// IndexOf returns the position of key, or -1 when absent.
func (v *View) IndexOf(key string) int {
	if i, ok := v.keyToIndex[key]; ok {
		return i
	}
	return -1
}

// Contains reports whether key is in the view.
func (v *View) Contains(key string) bool {
	_, ok := v.keyToIndex[key]
	return ok
}

// Adjacent returns the key offset positions away from key. It reports false
// past either end (no wraparound) and when key is not in the view, in which
// case the caller should rebuild the view.
func (v *View) Adjacent(key string, offset int) (string, bool) {
	i, ok := v.keyToIndex[key]
	if !ok {
		return "", false
	}
	j := i + offset
	if j < 0 || j >= len(v.orderedKeys) {
		return "", false
	}
	return v.orderedKeys[j], true
}

// Neighbours returns the keys within radius of key, nearest first and the
// following document before the preceding one at each distance.
func (v *View) Neighbours(key string, radius int) []string {
	var out []string
	for d := 1; d <= radius; d++ {
		if next, ok := v.Adjacent(key, d); ok {
			out = append(out, next)
		}
		if prev, ok := v.Adjacent(key, -d); ok {
			out = append(out, prev)
		}
	}
	return out
}
