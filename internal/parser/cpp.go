package parser

import (
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_cpp "github.com/tree-sitter/tree-sitter-cpp/bindings/go"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// NewCppParser extracts function definitions, class-like specifiers with a
// body, templates, aliases and top-level preprocessor definitions. Namespace
// bodies, extern "C" blocks and conditional-compilation groups are descended.
func NewCppParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(&grammar{
		language: types.LanguageCpp,
		load:     tree_sitter_cpp.Language,
		rules: map[string]match{
			"function_definition":  cppFunction,
			"class_specifier":      tagWithBody(types.ElementClass),
			"struct_specifier":     tagWithBody(types.ElementStruct),
			"union_specifier":      tagWithBody(types.ElementUnion),
			"enum_specifier":       tagWithBody(types.ElementEnum),
			"template_declaration": cppTemplate,
			"type_definition":      cppTypedef,
			"alias_declaration":    tag(types.ElementType),
			"preproc_include":      cppInclude,
			"preproc_def":          tag(types.ElementDefine),
			"preproc_function_def": tag(types.ElementDefine),
		},
		// class Foo { ... }; parses as a declaration wrapping the specifier.
		wrappers: set("declaration"),
		containers: map[string]container{
			"namespace_definition":  {children: fieldChildren("body"), emptyTag: types.ElementNamespace},
			"linkage_specification": {children: fieldChildren("body")},
			"preproc_ifdef":         {children: selfChildren},
			"preproc_if":            {children: selfChildren},
			"preproc_else":          {children: selfChildren},
			"preproc_elif":          {children: selfChildren},
		},
		attach: set("comment"),
	})
}

func cppFunction(n *tree_sitter.Node, src []byte) (string, string, bool) {
	return types.ElementFunction, cppDeclaratorName(n.ChildByFieldName("declarator"), src), true
}

// cppDeclaratorName digs through pointer, reference and function declarators
// down to the identifier. Qualified names keep only their last segment.
func cppDeclaratorName(n *tree_sitter.Node, src []byte) string {
	for n != nil {
		switch n.Kind() {
		case "identifier", "field_identifier", "type_identifier", "destructor_name", "operator_name":
			return strings.TrimSpace(text(n, src))
		case "qualified_identifier":
			name := strings.TrimSpace(text(n, src))
			if i := strings.LastIndex(name, "::"); i >= 0 {
				name = name[i+2:]
			}
			return name
		}
		if d := n.ChildByFieldName("declarator"); d != nil {
			n = d
			continue
		}
		children := namedChildren(n)
		if len(children) == 0 {
			return ""
		}
		n = children[0]
	}
	return ""
}

// cppTemplate accepts a template around a definition and names it after the
// templated entity.
func cppTemplate(n *tree_sitter.Node, src []byte) (string, string, bool) {
	for _, c := range namedChildren(n) {
		switch c.Kind() {
		case "function_definition", "declaration":
			return types.ElementTemplate, cppDeclaratorName(c.ChildByFieldName("declarator"), src), true
		case "class_specifier", "struct_specifier", "union_specifier", "alias_declaration", "concept_definition":
			return types.ElementTemplate, nodeName(c, src), true
		}
	}
	return types.ElementTemplate, "", true
}

func cppTypedef(n *tree_sitter.Node, src []byte) (string, string, bool) {
	return types.ElementType, cppDeclaratorName(n.ChildByFieldName("declarator"), src), true
}

func cppInclude(n *tree_sitter.Node, src []byte) (string, string, bool) {
	name := strings.Trim(strings.TrimSpace(text(n.ChildByFieldName("path"), src)), `"<>`)
	return types.ElementInclude, name, true
}
