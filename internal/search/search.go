// Package search provides document search via Meilisearch with a Postgres
// full-text fallback.
package search

type Query struct {
	Text   string
	Status string
	Limit  int
}

type Result struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

type Response struct {
	Results []Result `json:"results"`
	Total   int64    `json:"total"`
	Query   string   `json:"query"`
}

// DocumentRecord is the indexable projection of a document.
type DocumentRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
}
