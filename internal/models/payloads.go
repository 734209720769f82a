package models

// These structs define the JSON payloads exchanged with the browser client.

// FilesResponse is the body of GET /api/files.
type FilesResponse struct {
	Files         []DocumentMeta `json:"files"`
	Truncated     bool           `json:"truncated"`
	Cursor        *string        `json:"cursor"`
	TotalReturned int            `json:"totalReturned"`
}

// FilesByKeysRequest is the body of POST /api/files-by-keys.
type FilesByKeysRequest struct {
	Keys []string `json:"keys"`
}

// FilesByKeysResponse is the output of POST /api/files-by-keys.
type FilesByKeysResponse struct {
	Files         []DocumentMeta `json:"files"`
	TotalReturned int            `json:"totalReturned"`
}

// ViewResponse is the output of the viewer's GET /view.
type ViewResponse struct {
	Document *RenderedDocument `json:"document"`
	Previous *string           `json:"previous"`
	Next     *string           `json:"next"`
	Index    int               `json:"index"`
	Total    int               `json:"total"`
}

// ThumbnailResponse is the output of the viewer's GET /thumbnail.
type ThumbnailResponse struct {
	Thumbnail *Thumbnail `json:"thumbnail"`
}

// RefreshResponse is the output of the viewer's POST /refresh.
type RefreshResponse struct {
	Status        string `json:"status"`
	DocumentCount int    `json:"documentCount"`
	ManifestCount int    `json:"manifestCount"`
}

// ErrorResponse is returned with non-2xx statuses from the viewer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
}
