package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultSection ResultType = "section"
	ResultComment ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ReportID   string     `json:"reportId"`
	SectionKey string     `json:"sectionKey"`
	GroupID    string     `json:"groupId"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterType    ResultType // empty = all types
	FilterGroupID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// SectionRecord is the data we index for a report section. Its ID is
// "reportID-key" since sections have a composite primary key and
// Meilisearch document ids only allow alphanumerics, hyphen and underscore.
type SectionRecord struct {
	ID         string `json:"id"`
	ReportID   string `json:"reportId"`
	SectionKey string `json:"sectionKey"`
	Content    string `json:"content"`
	GroupID    string `json:"groupId"`
	Status     string `json:"status"`
}

// CommentRecord is the data we index for an annotation comment.
type CommentRecord struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Quote      string `json:"quote"`
	ReportID   string `json:"reportId"`
	SectionKey string `json:"sectionKey"`
	GroupID    string `json:"groupId"`
}
