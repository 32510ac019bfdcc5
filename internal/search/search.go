package search

// Result is a single message hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	Snippet     string `json:"snippet"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	WorkspaceID string `json:"workspaceId,omitempty"`
	ProjectID   string `json:"projectId,omitempty"`
	DMKey       string `json:"dmKey,omitempty"`
	ParentID    string `json:"parentId,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// Query describes a message search request. At most one conversation
// scope is set; an unscoped query spans everything the caller may see.
type Query struct {
	Text        string
	WorkspaceID string
	ProjectID   string
	DMUserA     string
	DMUserB     string
	Limit       int
	Offset      int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// MessageRecord is the data we index per message.
type MessageRecord struct {
	ID          string `json:"id"`
	Content     string `json:"content"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	WorkspaceID string `json:"workspaceId"`
	ProjectID   string `json:"projectId"`
	DMKey       string `json:"dmKey"`
	ParentID    string `json:"parentId"`
	CreatedAt   int64  `json:"createdAt"`
}
