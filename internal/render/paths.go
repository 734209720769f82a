package render

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Lllllllleong/documentbrowser/internal/models"
)

// Object layout of pre-rendered images in the documents bucket.
const (
	PagesPrefix      = "pdfs-as-jpegs/"
	ThumbnailsPrefix = "thumbnails/"
)

// PageImagePath is the object name of the pre-rendered image for a 1-based page.
func PageImagePath(key string, page int) string {
	return fmt.Sprintf("%s%s/page-%03d.jpg", PagesPrefix, models.BasePath(key), page)
}

// ThumbnailPath is the object name of the pre-rendered thumbnail for key.
func ThumbnailPath(key string) string {
	return ThumbnailsPrefix + key + ".jpg"
}

// objectURL joins base and an object name, escaping each path segment.
func objectURL(base, object string) string {
	segments := strings.Split(object, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(segments, "/")
}
