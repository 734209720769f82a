package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentbrowser/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

var (
	prerenderInstance *services.PrerenderFunction
	once              sync.Once
	initErr           error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Triggered by object finalize events on the documents bucket.
	functions.CloudEvent("PrerenderPages", prerenderPages)
}

// main is required by the Go Functions Framework.
func main() {}

// prerenderPages is the Cloud Function entry point.
func prerenderPages(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		prerenderInstance, initErr = services.NewPrerender(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	var gcsEvent services.GCSEvent
	if err := json.Unmarshal(e.Data(), &gcsEvent); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "data", string(e.Data()))
		return fmt.Errorf("json.Unmarshal: %w", err)
	}

	// Errors are logged with context inside Process; returning one marks the
	// invocation as failed so the event is retried.
	return prerenderInstance.Process(ctx, gcsEvent)
}
