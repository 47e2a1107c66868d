package parser

import (
	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_rust "github.com/tree-sitter/tree-sitter-rust/bindings/go"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// NewRustParser extracts functions, types, impl blocks, inline modules and
// const/static/type items. Macro definitions and invocations are skipped.
// Doc comments and attributes directly above an item belong to its chunk.
func NewRustParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(&grammar{
		language: types.LanguageRust,
		load:     tree_sitter_rust.Language,
		rules: map[string]match{
			"function_item": tag(types.ElementFunction),
			"struct_item":   tag(types.ElementStruct),
			"enum_item":     tag(types.ElementEnum),
			"union_item":    tag(types.ElementUnion),
			"trait_item":    tag(types.ElementTrait),
			"impl_item":     rustImpl,
			"mod_item":      tagWithBody(types.ElementModule),
			"const_item":    tag(types.ElementConst),
			"static_item":   tag(types.ElementStatic),
			"type_item":     tag(types.ElementType),
		},
		attach: set("line_comment", "block_comment", "attribute_item"),
	})
}

// rustImpl names an impl block "Trait for Type" or just "Type".
func rustImpl(n *tree_sitter.Node, src []byte) (string, string, bool) {
	typ := text(n.ChildByFieldName("type"), src)
	if trait := text(n.ChildByFieldName("trait"), src); trait != "" {
		return types.ElementImpl, trait + " for " + typ, true
	}
	return types.ElementImpl, typ, true
}
