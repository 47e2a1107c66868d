package parser

import (
	"fmt"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// Window sizes for line-based splitting.
const (
	FallbackWindowLines  = 200
	PlainTextWindowLines = 500
	SectionBudgetBytes   = 8 * 1024
)

// Parser turns the bytes of one file into chunks.
// Implementations are safe for concurrent use.
type Parser interface {
	// Language returns the identifier recorded on produced chunks.
	Language() string

	// Parse returns the chunks of content. Whitespace-only content yields none.
	Parse(content []byte, path string) ([]types.Chunk, error)
}

// Registry dispatches files to parsers by extension.
type Registry struct {
	parsers  map[string]Parser
	fallback *FallbackParser
}

// NewRegistry constructs every built-in parser. A grammar that fails to load
// is fatal and reported as types.ErrGrammarInit.
func NewRegistry() (*Registry, error) {
	r := &Registry{
		parsers:  make(map[string]Parser),
		fallback: NewFallbackParser(types.LanguageText),
	}

	grammars := []func() (*TreeSitterParser, error){
		NewRustParser,
		NewCppParser,
		NewPythonParser,
		NewGoParser,
		NewRubyParser,
		NewJavaScriptParser,
		NewTypeScriptParser,
		NewTSXParser,
	}
	for _, build := range grammars {
		p, err := build()
		if err != nil {
			return nil, err
		}
		r.parsers[p.Language()] = p
	}

	js := r.parsers[types.LanguageJavaScript].(*TreeSitterParser)
	ts := r.parsers[types.LanguageTypeScript].(*TreeSitterParser)
	r.parsers[types.LanguageVue] = NewVueParser(js, ts)
	r.parsers[types.LanguageYAML] = NewYAMLParser()
	r.parsers[types.LanguageMarkdown] = NewMarkdownParser()
	return r, nil
}

// ForPath returns the parser for path, or the fallback parser.
func (r *Registry) ForPath(path string) Parser {
	if p, ok := r.parsers[types.LanguageForPath(path)]; ok {
		return p
	}
	return r.fallback
}

// Parse parses content with the parser chosen for path. A parser error
// degrades to a single fallback chunk covering the whole file.
func (r *Registry) Parse(content []byte, path string) ([]types.Chunk, error) {
	p := r.ForPath(path)
	chunks, err := p.Parse(content, path)
	if err == nil {
		return chunks, nil
	}
	if isBlank(content) {
		return nil, nil
	}
	return []types.Chunk{wholeFileChunk(content, p.Language(), path)}, nil
}

// FallbackParser splits content into fixed line windows.
type FallbackParser struct {
	language string
	window   int
}

// NewFallbackParser returns a parser emitting 200-line windows tagged fallback_chunk_K.
func NewFallbackParser(language string) *FallbackParser {
	return &FallbackParser{language: language, window: FallbackWindowLines}
}

func (p *FallbackParser) Language() string {
	return p.language
}

func (p *FallbackParser) Parse(content []byte, path string) ([]types.Chunk, error) {
	return lineWindows(content, p.window, types.FallbackElement, p.language, path), nil
}

func wholeFileChunk(content []byte, language, path string) types.Chunk {
	li := newLineIndex(content)
	return makeChunk(content, li, 0, len(content), types.FallbackElement(1), "", language, path)
}

// errParse reports a parse that produced no tree.
func errParse(language string) error {
	return fmt.Errorf("%s parser produced no tree", language)
}
