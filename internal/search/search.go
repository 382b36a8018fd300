package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	QuestionText string `json:"questionText"`
	Snippet      string `json:"snippet"`
	CategoryID   string `json:"categoryId,omitempty"`
	CategoryName string `json:"categoryName,omitempty"`
}

// Query describes a search request over answered questions.
type Query struct {
	Text       string
	CategoryID string // empty = all categories
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over answered questions.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// QuestionRecord is the data we index for an answered question.
type QuestionRecord struct {
	ID            string `json:"id"`
	QuestionText  string `json:"questionText"`
	AnswerPreview string `json:"answerPreview"`
	CategoryID    string `json:"categoryId"`
	CategoryName  string `json:"categoryName"`
}
