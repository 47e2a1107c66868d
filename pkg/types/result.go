package types

// SearchResult is a single ranked hit returned by the hybrid scorer.
type SearchResult struct {
	ID         string
	Collection string
	Rank       int // Position in result set (1-based)

	// Scoring
	Score        float64 // Final score after path relevance
	DenseScore   float64 // Normalized dense similarity in [0, 1]
	LexicalScore float64 // Normalized lexical score in [0, 1]
	PathBoost    float64 // Path relevance added as (1 + boost)

	// Location
	Repository  string
	Branch      string
	FilePath    string
	StartLine   int
	EndLine     int
	ElementType string
	ElementName string
	Language    string
	Commit      string

	Content string
}

// Validate checks if the search result is valid
func (sr *SearchResult) Validate() error {
	if sr.ID == "" {
		return ErrInvalidResultID
	}
	if sr.Rank < 1 {
		return ErrInvalidRank
	}
	if sr.Score < 0 {
		return ErrInvalidScore
	}
	if sr.FilePath == "" {
		return ErrMissingFilePath
	}
	return nil
}
