package navigation

import (
	"cmp"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/Lllllllleong/documentbrowser/internal/models"
)

// Entry is a document together with its DocumentID, computed once per build.
type Entry struct {
	models.DocumentMeta
	ID string
}

// Comparator orders two documents, returning <0, 0 or >0.
type Comparator func(a, b Entry) int

// idWidth is the zero-padded width document identifiers are compared at.
const idWidth = 20

var digitRun = regexp.MustCompile(`\d+`)

// DocumentID extracts the numeric identifier embedded in a key (the last run
// of digits in the base name, e.g. 12 for "VOL001/EFTA00000012.pdf") and
// zero-pads it to a fixed width so string comparison yields numeric order.
// Keys without digits return "".
func DocumentID(key string) string {
	base := strings.TrimSuffix(path.Base(key), path.Ext(key))
	runs := digitRun.FindAllString(base, -1)
	if len(runs) == 0 {
		return ""
	}
	id := strings.TrimLeft(runs[len(runs)-1], "0")
	if len(id) >= idWidth {
		return id
	}
	return strings.Repeat("0", idWidth-len(id)) + id
}

// ByDocumentID is the default ordering: by embedded document identifier.
func ByDocumentID(a, b Entry) int {
	ia, ib := a.ID, b.ID
	if len(ia) != len(ib) {
		return cmp.Compare(len(ia), len(ib))
	}
	return strings.Compare(ia, ib)
}

// BySize orders by document size.
func BySize(a, b Entry) int { return cmp.Compare(a.Size, b.Size) }

// ByUploadedAt orders by upload time.
func ByUploadedAt(a, b Entry) int { return a.UploadedAt.Compare(b.UploadedAt) }

// ByKey orders lexicographically by key.
func ByKey(a, b Entry) int { return strings.Compare(a.Key, b.Key) }

// Descending reverses c. The key tie-break applied by Build stays ascending.
func Descending(c Comparator) Comparator {
	return func(a, b Entry) int { return c(b, a) }
}

func withKeyTieBreak(c Comparator) Comparator {
	return func(a, b Entry) int {
		if r := c(a, b); r != 0 {
			return r
		}
		return strings.Compare(a.Key, b.Key)
	}
}

// ParseSort maps query parameters to a comparator. field is one of "id"
// (default), "size", "uploaded" or "key"; order is "asc" (default) or "desc".
func ParseSort(field, order string) (Comparator, error) {
	var c Comparator
	switch strings.ToLower(field) {
	case "", "id":
		c = ByDocumentID
	case "size":
		c = BySize
	case "uploaded", "date":
		c = ByUploadedAt
	case "key", "name":
		c = ByKey
	default:
		return nil, fmt.Errorf("unknown sort field %q", field)
	}
	switch strings.ToLower(order) {
	case "", "asc":
		return c, nil
	case "desc":
		return Descending(c), nil
	default:
		return nil, fmt.Errorf("unknown sort order %q", order)
	}
}
