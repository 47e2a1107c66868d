package parser

import (
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// NewPythonParser extracts top-level functions and classes. A decorated
// definition is one chunk starting at its first decorator.
func NewPythonParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(&grammar{
		language: types.LanguagePython,
		load:     tree_sitter_python.Language,
		rules: map[string]match{
			"function_definition": tag(types.ElementFunction),
			"class_definition":    tag(types.ElementClass),
		},
		wrappers: set("decorated_definition"),
		attach:   set("comment"),
	})
}
