package parser

import (
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_go "github.com/tree-sitter/tree-sitter-go/bindings/go"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// NewGoParser extracts functions, methods, type, const and var declarations.
func NewGoParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(&grammar{
		language: types.LanguageGo,
		load:     tree_sitter_go.Language,
		rules: map[string]match{
			"function_declaration": tag(types.ElementFunction),
			"method_declaration":   goMethod,
			"type_declaration":     goType,
			"const_declaration":    goSpecs(types.ElementConst, "const_spec"),
			"var_declaration":      goSpecs(types.ElementVar, "var_spec"),
		},
		attach: set("comment"),
	})
}

// goMethod names a method "Receiver.Method" with pointers and type
// parameters stripped from the receiver.
func goMethod(n *tree_sitter.Node, src []byte) (string, string, bool) {
	name := nodeName(n, src)
	recv := ""
	for _, p := range namedChildren(n.ChildByFieldName("receiver")) {
		if p.Kind() == "parameter_declaration" {
			recv = text(p.ChildByFieldName("type"), src)
			break
		}
	}
	recv = strings.TrimLeft(recv, "*")
	if i := strings.IndexByte(recv, '['); i >= 0 {
		recv = recv[:i]
	}
	if recv == "" {
		return types.ElementMethod, name, true
	}
	return types.ElementMethod, recv + "." + name, true
}

// goType tags a type declaration by the shape of its first spec.
func goType(n *tree_sitter.Node, src []byte) (string, string, bool) {
	for _, spec := range namedChildren(n) {
		switch spec.Kind() {
		case "type_spec":
			element := types.ElementType
			if t := spec.ChildByFieldName("type"); t != nil {
				switch t.Kind() {
				case "struct_type":
					element = types.ElementStruct
				case "interface_type":
					element = types.ElementInterface
				}
			}
			return element, nodeName(spec, src), true
		case "type_alias":
			return types.ElementType, nodeName(spec, src), true
		}
	}
	return types.ElementType, "", true
}

// goSpecs names a const or var block after its first declared identifier.
func goSpecs(element, specKind string) match {
	return func(n *tree_sitter.Node, src []byte) (string, string, bool) {
		for _, spec := range namedChildren(n) {
			if spec.Kind() == specKind {
				return element, nodeName(spec, src), true
			}
		}
		return element, "", true
	}
}
