package types

// Payload keys stored with every point.
const (
	PayloadRepository  = "repository"
	PayloadBranch      = "branch"
	PayloadFilePath    = "file_path"
	PayloadStartLine   = "start_line"
	PayloadEndLine     = "end_line"
	PayloadStartByte   = "start_byte"
	PayloadEndByte     = "end_byte"
	PayloadElementType = "element_type"
	PayloadElementName = "element_name"
	PayloadLanguage    = "language"
	PayloadCommit      = "commit"
	PayloadContentHash = "content_hash"
	PayloadContent     = "content"
	PayloadExtension   = "extension"
	PayloadContext     = "context"
)

// SparseVector is a term-weight vector keyed by hashed term ids.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// Len returns the number of non-zero entries.
func (s *SparseVector) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Indices)
}

// Point is the unit stored in a vector collection.
type Point struct {
	ID      string
	Vector  []float32
	Sparse  *SparseVector
	Payload map[string]any
}

// String returns a payload string value or "".
func (p *Point) String(key string) string {
	if v, ok := p.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Int returns a payload integer value, accepting the numeric encodings
// produced by JSON round trips.
func (p *Point) Int(key string) int {
	switch v := p.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	case uint32:
		return int(v)
	}
	return 0
}
