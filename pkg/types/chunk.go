package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Element tags shared by the parsers. Section and split tags are built with
// the helpers below because they carry a depth or an ordinal.
const (
	ElementFunction  = "function"
	ElementMethod    = "method"
	ElementClass     = "class"
	ElementStruct    = "struct"
	ElementTrait     = "trait"
	ElementImpl      = "impl"
	ElementEnum      = "enum"
	ElementUnion     = "union"
	ElementModule    = "module"
	ElementNamespace = "namespace"
	ElementTemplate  = "template"
	ElementInterface = "interface"
	ElementType      = "type"
	ElementConst     = "const"
	ElementStatic    = "static"
	ElementVar       = "var"
	ElementInclude   = "include"
	ElementDefine    = "define"

	ElementYAMLKey      = "yaml_key"
	ElementYAMLDocument = "yaml_document"
	ElementTemplateSFC  = "template"
	ElementStyleSFC     = "style"
	ElementScriptSFC    = "script"

	ElementRootPlainText = "root_plain_text"
	fallbackChunkPrefix  = "fallback_chunk"
)

// FallbackElement returns the tag for the k-th (1-based) fallback window.
func FallbackElement(k int) string {
	return fallbackChunkPrefix + "_" + strconv.Itoa(k)
}

// SectionElement returns the markdown section tag for a heading depth.
func SectionElement(depth int) string {
	return fmt.Sprintf("h%d_section", depth)
}

// SplitElement appends a 1-based split ordinal to a base tag.
func SplitElement(base string, k int) string {
	return base + "_split_" + strconv.Itoa(k)
}

// IsFallbackElement reports whether the tag was produced by a fallback window.
func IsFallbackElement(tag string) bool {
	return strings.HasPrefix(tag, fallbackChunkPrefix)
}

// Chunk is a contiguous region of a source file produced by a parser.
type Chunk struct {
	Content     string
	StartLine   int // 1-based, inclusive
	EndLine     int // 1-based, inclusive
	StartByte   int // inclusive
	EndByte     int // exclusive
	ElementType string
	ElementName string
	Language    string
	FilePath    string
}

// Validate checks the positional invariants of a chunk.
func (c *Chunk) Validate() error {
	if strings.TrimSpace(c.Content) == "" {
		return errors.New("chunk content cannot be empty")
	}
	if c.StartLine < 1 || c.EndLine < c.StartLine {
		return fmt.Errorf("invalid line range %d-%d", c.StartLine, c.EndLine)
	}
	if c.StartByte < 0 || c.EndByte <= c.StartByte {
		return fmt.Errorf("invalid byte range %d-%d", c.StartByte, c.EndByte)
	}
	if c.ElementType == "" {
		return errors.New("element type is required")
	}
	return nil
}

// Context tags attached to processed chunks.
const (
	ContextCode     = "code"
	ContextDocs     = "docs"
	ContextConfig   = "config"
	ContextFallback = "fallback"
)

// ProcessedChunk is a chunk bound to a repository, branch and commit.
type ProcessedChunk struct {
	ID          string
	Chunk       Chunk
	Repository  string
	Branch      string
	Commit      string
	ContentHash string
	Extension   string
	Context     string
}

// EmbeddedChunk pairs a processed chunk with its dense vector.
type EmbeddedChunk struct {
	Chunk      ProcessedChunk
	Vector     []float32
	EmbeddedAt time.Time // when the embedding batch returned, UTC
}
