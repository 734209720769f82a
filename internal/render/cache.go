package render

import (
	"sync"
	"time"

	"github.com/Lllllllleong/documentbrowser/internal/models"
)

// Cache maps document keys to rendered pages and thumbnails for the lifetime
// of the process. It is a passive store: it never blocks on rendering and
// holds no capacity bound, since entries are bounded by the corpus size.
type Cache struct {
	mu         sync.RWMutex
	documents  map[string]*models.RenderedDocument
	thumbnails map[string]*models.Thumbnail
	now        func() time.Time
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{
		documents:  make(map[string]*models.RenderedDocument),
		thumbnails: make(map[string]*models.Thumbnail),
		now:        time.Now,
	}
}

// Get returns the rendered document for key, if present.
func (c *Cache) Get(key string) (*models.RenderedDocument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	doc, ok := c.documents[key]
	return doc, ok
}

// Put stores the complete page list for key. Last writer wins.
// The slice is copied so later mutation by the caller cannot leak in.
func (c *Cache) Put(key string, pages []models.PageRef) *models.RenderedDocument {
	doc := &models.RenderedDocument{
		Key:        key,
		Pages:      append([]models.PageRef(nil), pages...),
		RenderedAt: c.now(),
	}
	c.mu.Lock()
	c.documents[key] = doc
	c.mu.Unlock()
	return doc
}

// GetThumbnail returns the thumbnail for key, if present.
func (c *Cache) GetThumbnail(key string) (*models.Thumbnail, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	th, ok := c.thumbnails[key]
	return th, ok
}

// PutThumbnail stores the thumbnail for key. Last writer wins.
func (c *Cache) PutThumbnail(key string, image models.PageRef) *models.Thumbnail {
	th := &models.Thumbnail{Key: key, Image: image}
	c.mu.Lock()
	c.thumbnails[key] = th
	c.mu.Unlock()
	return th
}

// Len returns the number of cached documents and thumbnails.
func (c *Cache) Len() (documents, thumbnails int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.documents), len(c.thumbnails)
}
