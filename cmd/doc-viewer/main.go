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
	viewerInstance *services.ViewerFunction
	once           sync.Once
	initErr        error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("HandleViewer", handleViewer)
}

func main() {}

// handleViewer is the HTTP handler for the document viewer. The viewer keeps
// its render cache for the lifetime of the instance.
func handleViewer(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		viewerInstance, initErr = services.NewViewer(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Viewer initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	viewerInstance.ServeHTTP(w, r)
}
