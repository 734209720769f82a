package gcp

import (
	"context"
	"fmt"

	"github.com/Lllllllleong/documentbrowser/internal/models"
)

// JSONManifest reads a render manifest stored as a single JSON object of the
// form {"<key>": {"pages": N}}.
type JSONManifest struct {
	bucket *Bucket
	object string
}

// NewJSONManifest returns a manifest source backed by object in bucket.
func NewJSONManifest(bucket *Bucket, object string) *JSONManifest {
	return &JSONManifest{bucket: bucket, object: object}
}

func (m *JSONManifest) LoadManifest(ctx context.Context) (models.RenderManifest, error) {
	manifest := models.RenderManifest{}
	if err := m.bucket.ReadJSON(ctx, m.object, &manifest); err != nil {
		return nil, fmt.Errorf("failed to load manifest object: %w", err)
	}
	return manifest, nil
}

// EntityIndexObject loads the named-entity index, a JSON object of the form
// {"<name>": ["<key>", ...]}.
type EntityIndexObject struct {
	bucket *Bucket
	object string
}

// NewEntityIndexObject returns an entity index source backed by object in bucket.
func NewEntityIndexObject(bucket *Bucket, object string) *EntityIndexObject {
	return &EntityIndexObject{bucket: bucket, object: object}
}

func (e *EntityIndexObject) LoadEntityIndex(ctx context.Context) (models.EntityIndex, error) {
	idx := models.EntityIndex{}
	if err := e.bucket.ReadJSON(ctx, e.object, &idx); err != nil {
		return nil, fmt.Errorf("failed to load entity index: %w", err)
	}
	return idx, nil
}
