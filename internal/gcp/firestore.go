package gcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/Lllllllleong/documentbrowser/internal/models"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreManifest stores one ManifestRecord per document. The viewer reads
// the completed records as its render manifest; the pre-renderer writes them.
type FirestoreManifest struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreManifest returns a manifest backed by collection.
func NewFirestoreManifest(client *firestore.Client, collection string) *FirestoreManifest {
	return &FirestoreManifest{client: client, collection: collection}
}

// RecordID derives the document ID for key. Keys contain slashes, which
// Firestore does not allow in IDs.
func RecordID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (m *FirestoreManifest) ref(key string) *firestore.DocumentRef {
	return m.client.Collection(m.collection).Doc(RecordID(key))
}

// LoadManifest returns the page counts of every completed record.
func (m *FirestoreManifest) LoadManifest(ctx context.Context) (models.RenderManifest, error) {
	manifest := models.RenderManifest{}
	iter := m.client.Collection(m.collection).Where("status", "==", models.StatusComplete).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query manifest records: %w", err)
		}
		var rec models.ManifestRecord
		if err := snap.DataTo(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode manifest record %s: %w", snap.Ref.ID, err)
		}
		if rec.Key == "" {
			continue
		}
		manifest[rec.Key] = models.ManifestEntry{Pages: rec.Pages}
	}
	return manifest, nil
}

// Lookup returns the record for key, or nil when none exists.
func (m *FirestoreManifest) Lookup(ctx context.Context, key string) (*models.ManifestRecord, error) {
	snap, err := m.ref(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get manifest record: %w", err)
	}
	var rec models.ManifestRecord
	if err := snap.DataTo(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode manifest record: %w", err)
	}
	return &rec, nil
}

// Begin creates or resets the record for key in the rendering state.
func (m *FirestoreManifest) Begin(ctx context.Context, key, fileHash string) error {
	rec := models.ManifestRecord{
		Key:       key,
		FileHash:  fileHash,
		Status:    models.StatusRendering,
		CreatedAt: time.Now(),
	}
	if _, err := m.ref(key).Set(ctx, rec); err != nil {
		return fmt.Errorf("failed to create manifest record: %w", err)
	}
	return nil
}

// Complete marks key as pre-rendered with the given page count.
func (m *FirestoreManifest) Complete(ctx context.Context, key string, pages int) error {
	return m.updateStatus(ctx, key, models.StatusComplete, "", pages)
}

// Fail marks key as failed with details.
func (m *FirestoreManifest) Fail(ctx context.Context, key, details string) error {
	return m.updateStatus(ctx, key, models.StatusFailed, details, 0)
}

func (m *FirestoreManifest) updateStatus(ctx context.Context, key, newStatus, errDetails string, pages int) error {
	updates := []firestore.Update{
		{Path: "status", Value: newStatus},
	}
	if errDetails != "" {
		updates = append(updates, firestore.Update{Path: "errorDetails", Value: errDetails})
	}
	if pages > 0 {
		updates = append(updates, firestore.Update{Path: "pages", Value: pages})
	}
	if _, err := m.ref(key).Update(ctx, updates); err != nil {
		return fmt.Errorf("failed to update manifest record to %s: %w", newStatus, err)
	}
	return nil
}
