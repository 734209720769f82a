package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentbrowser/internal/services"
)

var (
	listingInstance *services.ListingFunction
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleFiles", handleFiles)
}

func main() {}

// handleFiles is the HTTP handler for the document listing service.
func handleFiles(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		listingInstance, initErr = services.NewListing(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Listing initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	listingInstance.ServeHTTP(w, r)
}
