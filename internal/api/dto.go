package api

import "github.com/starford/vitrum/internal/models"

// PutFileRequest is the request body for replacing a document's frontmatter
// and content in place.
type PutFileRequest struct {
	Frontmatter map[string]interface{} `json:"frontmatter"`
	Content     string                 `json:"content" validate:"required"`
}

// PutProjectFileRequest is the request body for replacing a raw project
// file's content.
type PutProjectFileRequest struct {
	Content string `json:"content" validate:"required"`
}

// FileListResponse wraps a filtered document listing.
type FileListResponse struct {
	Files []models.DocumentMetadata `json:"files" validate:"required"`
	Count int                       `json:"count" example:"12" validate:"required"`
}

// SearchResponse wraps ranked search hits.
type SearchResponse struct {
	Results []models.SearchResult `json:"results" validate:"required"`
}

// GraphResponse wraps the document graph.
type GraphResponse = models.Graph

// StatusResponse reports index health and federation liveness.
type StatusResponse struct {
	DocumentCount int     `json:"documentCount" example:"128"`
	PeerCount     int     `json:"peerCount" example:"2"`
	OnlinePeers   int     `json:"onlinePeers" example:"1"`
	SharedCount   int     `json:"sharedCount" example:"4"`
	UptimeSeconds int64   `json:"uptime" example:"3600"`
	InstanceID    string  `json:"instanceId"`
	DisplayName   string  `json:"displayName"`
}

// ProjectFileResponse wraps a raw project file's content.
type ProjectFileResponse struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ProjectListResponse wraps the configured projects' names.
type ProjectListResponse struct {
	Projects []string `json:"projects"`
}
