package parser

import (
	"unsafe"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_javascript "github.com/tree-sitter/tree-sitter-javascript/bindings/go"
	tree_sitter_typescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

func jsRules() map[string]match {
	return map[string]match{
		"function_declaration":           tag(types.ElementFunction),
		"generator_function_declaration": tag(types.ElementFunction),
		"class_declaration":              tag(types.ElementClass),
		"lexical_declaration":            jsBinding,
		"variable_declaration":           jsBinding,
	}
}

// NewJavaScriptParser extracts functions, classes and const/let/var bindings
// whose value is a function or class. Export wrappers are unwrapped.
func NewJavaScriptParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(&grammar{
		language: types.LanguageJavaScript,
		load:     tree_sitter_javascript.Language,
		rules:    jsRules(),
		wrappers: set("export_statement"),
		attach:   set("comment"),
	})
}

// NewTypeScriptParser extends the JavaScript rules with interfaces, type
// aliases, enums, namespaces and ambient declarations.
func NewTypeScriptParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(tsGrammar(types.LanguageTypeScript, tree_sitter_typescript.LanguageTypescript))
}

// NewTSXParser is NewTypeScriptParser for the TSX dialect.
func NewTSXParser() (*TreeSitterParser, error) {
	return newTreeSitterParser(tsGrammar(types.LanguageTSX, tree_sitter_typescript.LanguageTSX))
}

func tsGrammar(language string, load func() unsafe.Pointer) *grammar {
	rules := jsRules()
	rules["abstract_class_declaration"] = tag(types.ElementClass)
	rules["interface_declaration"] = tag(types.ElementInterface)
	rules["type_alias_declaration"] = tag(types.ElementType)
	rules["enum_declaration"] = tag(types.ElementEnum)
	rules["function_signature"] = tag(types.ElementFunction)
	rules["internal_module"] = tag(types.ElementNamespace)
	rules["module"] = tag(types.ElementModule)
	return &grammar{
		language: language,
		load:     load,
		rules:    rules,
		wrappers: set("export_statement", "ambient_declaration", "expression_statement"),
		attach:   set("comment"),
	}
}

// jsBinding accepts a declaration whose first declarator binds a function or class.
func jsBinding(n *tree_sitter.Node, src []byte) (string, string, bool) {
	for _, d := range namedChildren(n) {
		if d.Kind() != "variable_declarator" {
			continue
		}
		value := d.ChildByFieldName("value")
		if value == nil {
			return "", "", false
		}
		switch value.Kind() {
		case "arrow_function", "function_expression", "function", "generator_function":
			return types.ElementFunction, nodeName(d, src), true
		case "class":
			return types.ElementClass, nodeName(d, src), true
		}
		return "", "", false
	}
	return "", "", false
}
