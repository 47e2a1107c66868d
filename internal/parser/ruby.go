package parser

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_ruby "github.com/tree-sitter/tree-sitter-ruby/bindings/go"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// NewRubyParser extracts top-level methods, classes and modules.
func NewRubyParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(&grammar{
		language: types.LanguageRuby,
		load:     tree_sitter_ruby.Language,
		rules: map[string]match{
			"method":           tag(types.ElementMethod),
			"singleton_method": rubySingleton,
			"class":            tag(types.ElementClass),
			"module":           tag(types.ElementModule),
		},
		attach: set("comment"),
	})
}

func rubySingleton(n *tree_sitter.Node, src []byte) (string, string, bool) {
	name := nodeName(n, src)
	if obj := text(n.ChildByFieldName("object"), src); obj != "" {
		name = obj + "." + name
	}
	return types.ElementMethod, name, true
}
